package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 44-character base64 string, as produced by `openssl rand -base64 32`
const testSecret = "wJ6Qk8Qn1v9Qw1Zb2l8Qk9J3p6Qk8Qn1v9Qw1Zb2l8Qk="

func TestGenerateAccessToken(t *testing.T) {
	svc := NewJWTService(testSecret)

	tests := []struct {
		name    string
		userID  string
		userNm  string
		role    string
		wantErr error
	}{
		{name: "valid access token", userID: "user-123", userNm: "Ada", role: RoleAuditor},
		{name: "empty name and role", userID: "user-123"},
		{name: "empty userID", userID: "", userNm: "Ada", role: RoleAdmin, wantErr: ErrEmptyUserID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := svc.GenerateAccessToken(tt.userID, tt.userNm, tt.role)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GenerateAccessToken() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && token == "" {
				t.Error("GenerateAccessToken() returned empty token")
			}
		})
	}
}

func TestValidateToken_AccessClaims(t *testing.T) {
	svc := NewJWTService(testSecret)

	token, err := svc.GenerateAccessToken("user-123", "Ada Lovelace", RoleAuditor)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.UserID() != "user-123" {
		t.Errorf("UserID() = %q, want user-123", claims.UserID())
	}
	if claims.Name != "Ada Lovelace" {
		t.Errorf("Name = %q, want Ada Lovelace", claims.Name)
	}
	if claims.Role != RoleAuditor {
		t.Errorf("Role = %q, want %q", claims.Role, RoleAuditor)
	}
	if claims.Type != TokenTypeAccess {
		t.Errorf("Type = %q, want %q", claims.Type, TokenTypeAccess)
	}

	ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if ttl != AccessTokenExpiry {
		t.Errorf("token lifetime = %v, want %v", ttl, AccessTokenExpiry)
	}
}

func TestValidateToken_ServiceClaims(t *testing.T) {
	svc := NewJWTService(testSecret)

	token, err := svc.GenerateServiceToken("billing-service")
	if err != nil {
		t.Fatalf("GenerateServiceToken() error = %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Role != RoleService || claims.Type != TokenTypeService {
		t.Errorf("got role=%q type=%q, want %q/%q", claims.Role, claims.Type, RoleService, TokenTypeService)
	}
	if claims.Name != "billing-service" {
		t.Errorf("Name = %q, want billing-service", claims.Name)
	}
	if ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time); ttl != ServiceTokenExpiry {
		t.Errorf("token lifetime = %v, want %v", ttl, ServiceTokenExpiry)
	}

	if _, err := svc.GenerateServiceToken(""); !errors.Is(err, ErrEmptyUserID) {
		t.Errorf("GenerateServiceToken(\"\") error = %v, want ErrEmptyUserID", err)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	svc := NewJWTService(testSecret)
	svc.now = func() time.Time { return time.Now().Add(-time.Hour) }

	token, err := svc.GenerateAccessToken("user-123", "Ada", RoleAuditor)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	svc.now = time.Now
	if _, err := svc.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("ValidateToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestValidateToken_Leeway(t *testing.T) {
	issued := time.Now().Add(-AccessTokenExpiry - 10*time.Second)

	tests := []struct {
		name    string
		leeway  time.Duration
		wantErr error
	}{
		{name: "within default leeway", leeway: DefaultLeeway},
		{name: "no leeway", leeway: 0, wantErr: ErrExpiredToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewJWTService(testSecret, WithLeeway(tt.leeway))
			svc.now = func() time.Time { return issued }
			token, err := svc.GenerateAccessToken("user-123", "Ada", RoleAuditor)
			if err != nil {
				t.Fatalf("GenerateAccessToken() error = %v", err)
			}

			svc.now = time.Now
			if _, err := svc.ValidateToken(token); !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateToken() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateToken_Invalid(t *testing.T) {
	svc := NewJWTService(testSecret)

	otherSigned, err := NewJWTService("another-secret").GenerateAccessToken("user-123", "Ada", RoleAuditor)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	now := time.Now()
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		Type: TokenTypeAccess,
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign HS512 token: %v", err)
	}

	refresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		Type: "refresh",
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign refresh token: %v", err)
	}

	valid, err := svc.GenerateAccessToken("user-123", "Ada", RoleAuditor)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	parts := strings.Split(valid, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not.a.token"},
		{name: "wrong secret", token: otherSigned},
		{name: "wrong algorithm", token: hs512},
		{name: "unknown token type", token: refresh},
		{name: "tampered payload", token: tampered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ValidateToken(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestValidateToken_Rotation(t *testing.T) {
	const oldSecret = "old-secret-value"
	const newSecret = "new-secret-value"

	oldToken, err := NewJWTService(oldSecret).GenerateAccessToken("user-123", "Ada", RoleAdmin)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	tests := []struct {
		name    string
		svc     *JWTService
		wantErr error
	}{
		{name: "previous secret accepted", svc: NewJWTService(newSecret, WithPreviousSecret(oldSecret))},
		{name: "without previous secret", svc: NewJWTService(newSecret), wantErr: ErrInvalidToken},
		{name: "empty previous secret ignored", svc: NewJWTService(newSecret, WithPreviousSecret("")), wantErr: ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := tt.svc.ValidateToken(oldToken)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateToken() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && claims.Role != RoleAdmin {
				t.Errorf("Role = %q, want %q", claims.Role, RoleAdmin)
			}
		})
	}

	// New tokens are always signed with the current secret.
	rotated := NewJWTService(newSecret, WithPreviousSecret(oldSecret))
	newToken, err := rotated.GenerateAccessToken("user-123", "Ada", RoleAdmin)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	if _, err := NewJWTService(newSecret).ValidateToken(newToken); err != nil {
		t.Errorf("token from rotated service not valid under current secret: %v", err)
	}
}

func TestValidateToken_ExpiredUnderPreviousSecret(t *testing.T) {
	old := NewJWTService("old-secret-value")
	old.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := old.GenerateAccessToken("user-123", "Ada", RoleAuditor)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	svc := NewJWTService("new-secret-value", WithPreviousSecret("old-secret-value"))
	if _, err := svc.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("ValidateToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestValidateToken_Issuer(t *testing.T) {
	issuing := NewJWTService(testSecret, WithIssuer("audittrail"))
	token, err := issuing.GenerateAccessToken("user-123", "Ada", RoleAuditor)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := issuing.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Issuer != "audittrail" {
		t.Errorf("Issuer = %q, want audittrail", claims.Issuer)
	}

	other := NewJWTService(testSecret, WithIssuer("someone-else"))
	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateToken() with wrong issuer error = %v, want ErrInvalidToken", err)
	}
}
