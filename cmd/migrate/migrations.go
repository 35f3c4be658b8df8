package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Migration is one numbered SQL file.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// target is a database that migrations are applied to.
type target interface {
	EnsureSchemaMigrations(ctx context.Context) error
	Applied(ctx context.Context) ([]AppliedMigration, error)
	// Apply executes the migration and records it.
	Apply(ctx context.Context, m Migration, appliedBy string) error
	Close() error
}

var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// parseFilename returns the version and name encoded in a migration file
// name, or ok=false when the name does not follow NNNN_name.sql.
func parseFilename(filename string) (version int, name string, ok bool) {
	matches := migrationPattern.FindStringSubmatch(filename)
	if matches == nil {
		return 0, "", false
	}
	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, "", false
	}
	return version, matches[2], true
}

// resolveDir finds dir relative to the working directory or the repository
// root when run from cmd/migrate.
func resolveDir(dir string) (string, error) {
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	alt := filepath.Join("..", "..", dir)
	if _, err := os.Stat(alt); err == nil {
		return alt, nil
	}
	return "", fmt.Errorf("migrations directory not found: %s", dir)
}

// readMigrations loads the migration files in dir, sorted by version, with
// replacer applied to their SQL. Checksums cover the file as written so a
// migration keeps its checksum across projects.
func readMigrations(dir string, replacer *strings.Replacer, log zerolog.Logger) ([]Migration, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		version, name, ok := parseFilename(file.Name())
		if !ok {
			log.Warn().Str("file", file.Name()).Msg("Skipping file with invalid format")
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %04d: %s and %s", version, prev, file.Name())
		}
		seen[version] = file.Name()

		content, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", file.Name(), err)
		}

		sql := string(content)
		if replacer != nil {
			sql = replacer.Replace(sql)
		}

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			Filename: file.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// pending returns the migrations not yet applied. A changed checksum on an
// applied migration is reported as drift.
func pending(all []Migration, applied []AppliedMigration) (todo []Migration, drift []string) {
	byVersion := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		byVersion[am.Version] = am
	}
	for _, m := range all {
		am, ok := byVersion[m.Version]
		if !ok {
			todo = append(todo, m)
			continue
		}
		if am.Checksum != "" && am.Checksum != m.Checksum {
			drift = append(drift, m.Filename)
		}
	}
	return todo, drift
}

// run applies every pending migration in order.
func run(ctx context.Context, t target, migrations []Migration, appliedBy string, log zerolog.Logger) (int, error) {
	if err := t.EnsureSchemaMigrations(ctx); err != nil {
		return 0, fmt.Errorf("ensuring schema_migrations table: %w", err)
	}

	applied, err := t.Applied(ctx)
	if err != nil {
		return 0, fmt.Errorf("getting applied migrations: %w", err)
	}
	log.Info().Int("files", len(migrations)).Int("applied", len(applied)).Msg("Migrations loaded")

	todo, drift := pending(migrations, applied)
	for _, f := range drift {
		log.Warn().Str("file", f).Msg("Applied migration has changed since it ran")
	}

	appliedNow := make(map[int]bool, len(todo))
	for _, m := range todo {
		appliedNow[m.Version] = true
	}

	count := 0
	for _, m := range migrations {
		label := fmt.Sprintf("%04d_%s", m.Version, m.Name)
		if !appliedNow[m.Version] {
			log.Info().Msgf("  [SKIP] %s (already applied)", label)
			continue
		}
		log.Info().Msgf("  [RUN]  %s", label)
		if err := t.Apply(ctx, m, appliedBy); err != nil {
			return count, fmt.Errorf("migration %s: %w", label, err)
		}
		log.Info().Msgf("  [OK]   %s", label)
		count++
	}
	return count, nil
}
