package database

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"sql/20261001_090000_create_widgets.up.sql": {Data: []byte(
			"CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL);")},
		"sql/20261001_090000_create_widgets.down.sql": {Data: []byte("DROP TABLE widgets;")},
		"sql/20261002_090000_add_colour.up.sql": {Data: []byte(
			"ALTER TABLE widgets ADD COLUMN colour TEXT;")},
		"sql/20261002_090000_add_colour.down.sql": {Data: []byte(
			"ALTER TABLE widgets DROP COLUMN colour;")},
		"sql/README.md": {Data: []byte("ignored")},
	}
}

func useMigrations(t *testing.T, fsys fstest.MapFS, dir string) {
	t.Helper()
	prevFS, prevDir := registeredMigrations()
	RegisterMigrations(fsys, dir)
	t.Cleanup(func() { RegisterMigrations(prevFS, prevDir) })
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	if err != nil {
		t.Fatalf("sqlite_master: %v", err)
	}
	return n == 1
}

func TestMigrate(t *testing.T) {
	useMigrations(t, testMigrations(), "sql")
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "widgets") {
		t.Fatal("widgets table not created")
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 0 {
		t.Errorf("applied=%d pending=%d, want 2 and 0", len(applied), len(pending))
	}
	if applied[0].Version != "20261001_090000" || applied[0].AppliedAt.IsZero() {
		t.Errorf("applied[0] = %+v", applied[0])
	}

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	useMigrations(t, testMigrations(), "sql")
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 1 || len(pending) != 1 || pending[0].Name != "add_colour" {
		t.Errorf("applied=%v pending=%v", applied, pending)
	}
	if !tableExists(t, db, "widgets") {
		t.Error("MigrateDown rolled back more than one migration")
	}
}

func TestMigrateDown_NothingApplied(t *testing.T) {
	useMigrations(t, testMigrations(), "sql")
	db := openTestDB(t)
	if err := db.MigrateDown(context.Background()); err != nil {
		t.Errorf("MigrateDown() error = %v", err)
	}
}

func TestMigrateDown_MissingFiles(t *testing.T) {
	useMigrations(t, testMigrations(), "sql")
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	useMigrations(t, fstest.MapFS{}, "sql")
	if err := db.MigrateDown(ctx); !errors.Is(err, ErrMigrationNotFound) {
		t.Errorf("MigrateDown() error = %v, want ErrMigrationNotFound", err)
	}
}

func TestMigrate_NoMigrations(t *testing.T) {
	useMigrations(t, nil, ".")
	db := openTestDB(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() with no migrations error = %v", err)
	}
}

func TestMigrate_FailureIsRolledBack(t *testing.T) {
	fsys := testMigrations()
	fsys["sql/20261003_090000_broken.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE oops (;")}
	useMigrations(t, fsys, "sql")
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err == nil {
		t.Fatal("Migrate() expected error")
	}
	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 1 {
		t.Errorf("applied=%d pending=%d, want 2 and 1", len(applied), len(pending))
	}
}

func TestLoadMigrations_UpRequired(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"20261001_090000_orphan.down.sql": {Data: []byte("DROP TABLE x;")},
	}, ".")
	if _, err := loadMigrations(); err == nil {
		t.Error("loadMigrations() expected error for down-only version")
	}
}

func TestParseMigrationFile(t *testing.T) {
	tests := []struct {
		filename string
		want     migrationFile
		wantOk   bool
	}{
		{"20261014_120000_attribute_history.up.sql", migrationFile{"20261014_120000", "attribute_history", true}, true},
		{"20261014_120000_add_index_on_created.down.sql", migrationFile{"20261014_120000", "add_index_on_created", false}, true},
		{"20261014_120000.up.sql", migrationFile{"20261014_120000", "20261014_120000", true}, true},
		{"readme.txt", migrationFile{}, false},
		{"20261014_120000_attribute_history.sql", migrationFile{}, false},
		{"invalid.up.sql", migrationFile{}, false},
		{"2026_12_x.up.sql", migrationFile{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, ok := parseMigrationFile(tt.filename)
			if ok != tt.wantOk || got != tt.want {
				t.Errorf("parseMigrationFile(%q) = (%+v, %v), want (%+v, %v)", tt.filename, got, ok, tt.want, tt.wantOk)
			}
		})
	}
}
