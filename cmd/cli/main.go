package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/dvloznov/finance-sync/internal/app"
	"github.com/dvloznov/finance-sync/internal/config"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	for _, c := range Commands {
		commander.Register(c, "")
	}
	flag.Parse()

	cfg, _, err := config.Load()
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log, err := app.NewLogger(cfg)
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to create logger")
	}
	ctx := logger.WithContext(context.Background(), log)

	e := &env{cfg: cfg, out: os.Stdout}
	status := commander.Execute(ctx, e)
	if err := e.close(); err != nil {
		log.Error().Err(err).Msg("Failed to close application")
	}
	os.Exit(int(status))
}
