package main

import (
	"flag"
	"os"

	"github.com/joho/godotenv"

	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/repo"
)

func main() {
	down := flag.Bool("down", false, "roll back the most recent migration")
	flag.Parse()

	_ = godotenv.Load()
	logger := obs.NewLogger("console", "info").With().Str("component", "migrate").Logger()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Fatal().Msg("DATABASE_URL is not set")
	}
	m, err := repo.NewMigrate(dbURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open migrations")
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Error().AnErr("source", srcErr).AnErr("database", dbErr).Msg("close migrate")
		}
	}()

	if *down {
		if err := m.Steps(-1); err != nil {
			logger.Fatal().Err(err).Msg("roll back")
		}
	} else if err := repo.RunMigrations(m); err != nil {
		logger.Fatal().Err(err).Msg("migrate up")
	}
	version, dirty, err := m.Version()
	if err != nil {
		logger.Warn().Err(err).Msg("read schema version")
		return
	}
	logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("schema up to date")
}
