package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseFilename(t *testing.T) {
	tests := []struct {
		filename string
		valid    bool
		version  int
		name     string
	}{
		{"0001_init.sql", true, 1, "init"},
		{"0012_add_index_on_owner.sql", true, 12, "add_index_on_owner"},
		{"001_invalid.sql", false, 0, ""},
		{"0001_test", false, 0, ""},
		{"0001.sql", false, 0, ""},
		{"invalid_0001_test.sql", false, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, ok := parseFilename(tt.filename)
			if ok != tt.valid || version != tt.version || name != tt.name {
				t.Errorf("parseFilename(%q) = %d, %q, %v; want %d, %q, %v", tt.filename, version, name, ok, tt.version, tt.name, tt.valid)
			}
		})
	}
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestReadMigrations(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"0002_second.sql": "CREATE TABLE `{{PROJECT_ID}}.{{DATASET_ID}}.b` (id INT64);",
		"0001_first.sql":  "CREATE TABLE `{{PROJECT_ID}}.{{DATASET_ID}}.a` (id INT64);",
		"README.md":       "not a migration",
	})
	log := zerolog.New(io.Discard)

	withReplace, err := readMigrations(dir, strings.NewReplacer("{{PROJECT_ID}}", "p1", "{{DATASET_ID}}", "d1"), log)
	if err != nil {
		t.Fatalf("readMigrations() error = %v", err)
	}
	if len(withReplace) != 2 || withReplace[0].Version != 1 || withReplace[1].Version != 2 {
		t.Fatalf("migrations = %+v", withReplace)
	}
	if !strings.Contains(withReplace[0].SQL, "`p1.d1.a`") {
		t.Errorf("placeholders not replaced: %s", withReplace[0].SQL)
	}

	other, err := readMigrations(dir, strings.NewReplacer("{{PROJECT_ID}}", "p2", "{{DATASET_ID}}", "d2"), log)
	if err != nil {
		t.Fatal(err)
	}
	if other[0].Checksum != withReplace[0].Checksum {
		t.Error("checksum must not depend on the placeholder values")
	}
	if withReplace[0].Checksum == withReplace[1].Checksum {
		t.Error("different files must have different checksums")
	}
}

func TestReadMigrations_DuplicateVersion(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"0001_a.sql": "SELECT 1;",
		"0001_b.sql": "SELECT 2;",
	})
	if _, err := readMigrations(dir, nil, zerolog.New(io.Discard)); err == nil {
		t.Error("expected error for duplicate version")
	}
}

func TestPending(t *testing.T) {
	all := []Migration{
		{Version: 1, Filename: "0001_a.sql", Checksum: "aaa"},
		{Version: 2, Filename: "0002_b.sql", Checksum: "bbb"},
		{Version: 3, Filename: "0003_c.sql", Checksum: "ccc"},
	}
	applied := []AppliedMigration{
		{Version: 1, Checksum: "aaa"},
		{Version: 2, Checksum: "changed"},
	}

	todo, drift := pending(all, applied)
	if len(todo) != 1 || todo[0].Version != 3 {
		t.Errorf("todo = %+v", todo)
	}
	if len(drift) != 1 || drift[0] != "0002_b.sql" {
		t.Errorf("drift = %v", drift)
	}
}

type fakeTarget struct {
	applied  []AppliedMigration
	ran      []int
	failOn   int
	ensureOK bool
}

func (f *fakeTarget) EnsureSchemaMigrations(ctx context.Context) error {
	f.ensureOK = true
	return nil
}

func (f *fakeTarget) Applied(ctx context.Context) ([]AppliedMigration, error) {
	return f.applied, nil
}

func (f *fakeTarget) Apply(ctx context.Context, m Migration, appliedBy string) error {
	if m.Version == f.failOn {
		return errors.New("syntax error")
	}
	f.ran = append(f.ran, m.Version)
	return nil
}

func (f *fakeTarget) Close() error { return nil }

func TestRun(t *testing.T) {
	all := []Migration{{Version: 1, Name: "a"}, {Version: 2, Name: "b"}, {Version: 3, Name: "c"}}
	log := zerolog.New(io.Discard)

	ft := &fakeTarget{applied: []AppliedMigration{{Version: 1}}}
	n, err := run(context.Background(), ft, all, "test", log)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !ft.ensureOK || n != 2 || len(ft.ran) != 2 || ft.ran[0] != 2 || ft.ran[1] != 3 {
		t.Errorf("run() = %d, ran %v", n, ft.ran)
	}

	ft = &fakeTarget{failOn: 2}
	n, err = run(context.Background(), ft, all, "test", log)
	if err == nil || !strings.Contains(err.Error(), "0002_b") {
		t.Errorf("run() error = %v", err)
	}
	if n != 1 || len(ft.ran) != 1 {
		t.Errorf("migrations after the failure must not run: ran %v", ft.ran)
	}
}

func TestRepositoryMigrationsParse(t *testing.T) {
	for _, target := range []string{"postgres", "bigquery"} {
		dir, err := resolveDir("migrations/" + target)
		if err != nil {
			t.Fatalf("%s: %v", target, err)
		}
		ms, err := readMigrations(dir, nil, zerolog.New(io.Discard))
		if err != nil {
			t.Fatalf("%s: %v", target, err)
		}
		if len(ms) == 0 {
			t.Errorf("%s: no migrations found", target)
		}
	}
}
