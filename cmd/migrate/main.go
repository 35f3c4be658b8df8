// Command migrate applies numbered SQL migrations to the canonical
// PostgreSQL store or to the BigQuery reporting dataset.
package main

import (
	"context"
	"flag"
	"os"
	"strings"

	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/joho/godotenv"
)

var (
	targetName    = flag.String("target", "postgres", "Migration target: postgres or bigquery")
	databaseURL   = flag.String("database-url", "", "PostgreSQL URL (defaults to DATABASE_URL)")
	projectID     = flag.String("project", "", "GCP project ID (defaults to GCP_PROJECT)")
	datasetID     = flag.String("dataset", "", "BigQuery dataset ID (defaults to BQ_DATASET, then finance_sync)")
	appliedBy     = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
	migrationsDir = flag.String("migrations", "", "Path to migrations directory (defaults to migrations/<target>)")
)

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func main() {
	flag.Parse()
	_ = godotenv.Load()

	log := logger.New()
	ctx := logger.WithContext(context.Background(), log)

	var (
		t        target
		replacer *strings.Replacer
	)
	switch *targetName {
	case "postgres":
		url := firstNonEmpty(*databaseURL, os.Getenv("DATABASE_URL"))
		if url == "" {
			log.Fatal().Msg("-database-url or DATABASE_URL is required for the postgres target")
		}
		pg, err := newPostgresTarget(ctx, url)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		t = pg
		log.Info().Msg("Connected to PostgreSQL")

	case "bigquery":
		project := firstNonEmpty(*projectID, os.Getenv("GCP_PROJECT"))
		dataset := firstNonEmpty(*datasetID, os.Getenv("BQ_DATASET"), "finance_sync")
		if project == "" {
			log.Fatal().Msg("-project or GCP_PROJECT is required for the bigquery target")
		}
		bq, err := newBigQueryTarget(ctx, project, dataset)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create BigQuery client")
		}
		t = bq
		replacer = bq.replacer()
		log.Info().Str("project", project).Str("dataset", dataset).Msg("Connected to BigQuery")

	default:
		log.Fatal().Str("target", *targetName).Msg("Unknown target")
	}
	defer t.Close()

	dir, err := resolveDir(firstNonEmpty(*migrationsDir, "migrations/"+*targetName))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to locate migrations")
	}
	migrations, err := readMigrations(dir, replacer, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read migrations")
	}

	count, err := run(ctx, t, migrations, *appliedBy, log)
	if err != nil {
		log.Fatal().Err(err).Int("applied", count).Msg("Migration failed")
	}
	if count == 0 {
		log.Info().Msg("No new migrations to apply. Database is up to date.")
	} else {
		log.Info().Int("applied", count).Msg("Migrations applied")
	}
}
