package db

import (
	"slices"
	"testing"
	"testing/fstest"

	"github.com/onnwee/audittrail/migrations"
)

func TestUpMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_add_index.up.sql": {Data: []byte("SELECT 2")},
		"000001_create.up.sql":    {Data: []byte("SELECT 1")},
		"000001_create.down.sql":  {Data: []byte("SELECT -1")},
		"000010_late.up.sql":      {Data: []byte("SELECT 10")},
		"README.md":               {Data: []byte("docs")},
	}

	got, err := UpMigrations(fsys)
	if err != nil {
		t.Fatalf("UpMigrations() error = %v", err)
	}
	want := []string{"000001_create.up.sql", "000002_add_index.up.sql", "000010_late.up.sql"}
	if !slices.Equal(got, want) {
		t.Errorf("UpMigrations() = %v, want %v", got, want)
	}
}

func TestUpMigrations_Embedded(t *testing.T) {
	got, err := UpMigrations(migrations.FS)
	if err != nil {
		t.Fatalf("UpMigrations() error = %v", err)
	}
	if len(got) == 0 || got[0] != "000001_create_audit_trail.up.sql" {
		t.Errorf("embedded migrations = %v, want 000001_create_audit_trail.up.sql first", got)
	}
}
