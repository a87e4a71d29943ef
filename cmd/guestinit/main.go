package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/openfroyo/guestinit/cmd/guestinit/commands"
	"github.com/openfroyo/guestinit/pkg/config"
	"github.com/openfroyo/guestinit/pkg/engine"
	"github.com/openfroyo/guestinit/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received interrupt signal, shutting down...")
		cancel()
	}()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		code := engine.ExitCode(err)
		log.Error().Err(err).Int("exit_code", code).Msg("Command execution failed")
		cancel()
		os.Exit(code)
	}
}

// setupLogging configures the global logger until the config file is read.
func setupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	level := os.Getenv(config.EnvLogLevel)
	if level == "" {
		level = "info"
	}
	zerolog.SetGlobalLevel(telemetry.ParseLevel(level))
}
