package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"empty path", func(c *Config) { c.DatabasePath = "" }, true},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }, true},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }, true},
		{"zero idle time", func(c *Config) { c.ConnMaxIdleTime = 0 }, true},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMigrationManager_EmbeddedSchemaValidates(t *testing.T) {
	db := openTestDB(t)
	mgr := NewEmbeddedMigrationManager(db)

	applied, err := mgr.ApplyMigrations()
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if len(applied) != 2 || applied[0] != "001" || applied[1] != "002" {
		t.Errorf("applied = %v", applied)
	}

	if err := NewSchemaValidator(db).Validate(); err != nil {
		t.Errorf("schema invalid after migrations: %v", err)
	}

	again, err := mgr.ApplyMigrations()
	if err != nil {
		t.Fatalf("second ApplyMigrations failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("migrations re-applied: %v", again)
	}
}

func TestMigrationManager_OrdersByVersion(t *testing.T) {
	db := openTestDB(t)
	fsys := fstest.MapFS{
		"sql/002_add_column.sql": {Data: []byte(`ALTER TABLE widgets ADD COLUMN color TEXT;`)},
		"sql/001_widgets.sql":    {Data: []byte(`CREATE TABLE widgets (id TEXT PRIMARY KEY);`)},
		"sql/README.md":          {Data: []byte(`not a migration`)},
	}

	applied, err := NewMigrationManager(db, fsys, "sql").ApplyMigrations()
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %v", applied)
	}
	if _, err := db.Exec(`INSERT INTO widgets (id, color) VALUES ('w1', 'red')`); err != nil {
		t.Errorf("migrated table unusable: %v", err)
	}
}

func TestMigrationManager_FailedMigrationRollsBack(t *testing.T) {
	db := openTestDB(t)
	fsys := fstest.MapFS{
		"001_ok.sql":     {Data: []byte(`CREATE TABLE ok_table (id TEXT);`)},
		"002_broken.sql": {Data: []byte(`CREATE TABLE broken (; `)},
	}

	applied, err := NewMigrationManager(db, fsys, "").ApplyMigrations()
	if err == nil {
		t.Fatal("expected error from broken migration")
	}
	if len(applied) != 1 || applied[0] != "001" {
		t.Errorf("applied = %v", applied)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = '002'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Error("broken migration recorded as applied")
	}
}

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	db := openTestDB(t)
	if err := NewSchemaValidator(db).ValidateTableStructure(); err == nil {
		t.Error("empty database passed validation")
	}
}
