package db

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
)

func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()

	files := map[string]string{
		"001_registry.sql":  "CREATE TABLE patient_registry (id UUID PRIMARY KEY);",
		"002_encounter.sql": "CREATE TABLE encounter (id UUID PRIMARY KEY);",
		"003_audit.sql":     "CREATE TABLE audit_log (id BIGSERIAL PRIMARY KEY);",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write test file %s: %v", name, err)
		}
	}

	migrator := NewMigrator(nil, dir)
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_registry.sql" {
		t.Errorf("unexpected first migration %+v", migrations[0])
	}
	if migrations[0].SQL != "CREATE TABLE patient_registry (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[2].Version != 3 {
		t.Errorf("expected version 3, got %d", migrations[2].Version)
	}
}

func TestLoadMigrations_SortAndSkip(t *testing.T) {
	fsys := fstest.MapFS{
		"010_tables.sql":  {Data: []byte("SELECT 10;")},
		"002_second.sql":  {Data: []byte("SELECT 2;")},
		"001_first.sql":   {Data: []byte("SELECT 1;")},
		"README.md":       {Data: []byte("docs")},
		"init.sql":        {Data: []byte("SELECT 0;")},
		"abc_letters.sql": {Data: []byte("SELECT 0;")},
		"sub/004_x.sql":   {Data: []byte("SELECT 4;")},
	}

	migrations, err := NewMigratorFS(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	want := []int{1, 2, 10}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migrations))
	}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("position %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql":  {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigratorFS(nil, fsys).LoadMigrations(); err == nil {
		t.Error("expected error for duplicate versions")
	}
}

func TestLoadMigrations_MissingDir(t *testing.T) {
	migrator := NewMigrator(nil, filepath.Join(t.TempDir(), "nope"))
	if _, err := migrator.LoadMigrations(); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestParseMigrationName(t *testing.T) {
	tests := []struct {
		name    string
		version int
		ok      bool
	}{
		{"001_registry.sql", 1, true},
		{"42_answer.sql", 42, true},
		{"000_zero.sql", 0, false},
		{"001registry.sql", 0, false},
		{"001_registry.txt", 0, false},
		{"x01_registry.sql", 0, false},
	}
	for _, tt := range tests {
		v, ok := parseMigrationName(tt.name)
		if v != tt.version || ok != tt.ok {
			t.Errorf("parseMigrationName(%q) = %d, %v; want %d, %v", tt.name, v, ok, tt.version, tt.ok)
		}
	}
}

func TestRepositoryMigrations(t *testing.T) {
	migrations, err := NewMigrator(nil, "../../../migrations").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected at least one migration in the repository")
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("migration versions must be contiguous: %s has version %d at position %d", m.Name, m.Version, i)
		}
	}
}
