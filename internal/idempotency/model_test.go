package idempotency

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"uuid", "5f1d8a6e-6c1b-4f57-9d0e-0a7f4b1c2d3e", nil},
		{"max length", strings.Repeat("k", MaxKeyLength), nil},
		{"empty", "", ErrInvalidKey},
		{"too long", strings.Repeat("k", MaxKeyLength+1), ErrKeyTooLong},
		{"space", "retry 1", ErrInvalidKey},
		{"newline", "retry\n1", ErrInvalidKey},
		{"non-ascii", "clé", ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateKey(tt.key); !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestComputeResponseHash(t *testing.T) {
	a := ComputeResponseHash(`{"id":"1"}`)
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64", len(a))
	}
	if a != ComputeResponseHash(`{"id":"1"}`) {
		t.Error("hash is not deterministic")
	}
	if a == ComputeResponseHash(`{"id":"2"}`) {
		t.Error("different bodies share a hash")
	}
}
