// Command contactcached wires the contact sync engine to a durable
// Postgres-backed store and runs the tombstone purge loop. It defines no
// ingress surface of its own (no HTTP, no gRPC, no CLI; configuration
// comes from environment variables) — per-source adapters and any query
// surface belong to the enclosing service, not to this core.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autosync/contactcache/internal/retention"
	"github.com/autosync/contactcache/internal/store/pgstore"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "contactcached").Logger()

	if env("ENV", "") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	pgs, err := pgstore.Open(ctx, pgURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pgs.Close()

	// The sync engine itself is constructed by the enclosing adapter
	// process (Bluetooth PBAP / USB ingestion, out of scope here) with
	// this same pgs as its store. This process owns only the store's
	// lifecycle and its background purge loop.
	purger := retention.New(pgs, log.Logger)
	go purger.Run(ctx, 1*time.Hour, 30*24*time.Hour)

	log.Info().Msg("contactcached ready")
	<-ctx.Done()
	log.Info().Msg("contactcached shutting down")
}
