package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/repo"
)

func main() {
	path := flag.String("fixture", "internal/repo/testdata/catalog.yaml", "YAML catalog to load")
	flag.Parse()

	_ = godotenv.Load()
	logger := obs.NewLogger("console", "info").With().Str("component", "seed").Logger()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Fatal().Msg("DATABASE_URL is not set")
	}

	f, err := os.Open(*path)
	if err != nil {
		logger.Fatal().Err(err).Msg("open fixture")
	}
	fixture, err := repo.DecodeFixture(f)
	_ = f.Close()
	if err != nil {
		logger.Fatal().Err(err).Msg("decode fixture")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := seed(ctx, pool, fixture, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed")
	}
	logger.Info().
		Int("groups", len(fixture.Groups)).
		Int("products", len(fixture.Products)).
		Int("rules", len(fixture.Rules)).
		Int("tax_classes", len(fixture.TaxClasses)).
		Msg("seeding completed")
}

func seed(ctx context.Context, pool *pgxpool.Pool, fixture repo.Fixture, logger zerolog.Logger) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		logger.Info().Msg("writing fixture")
		return repo.Seed(ctx, tx, fixture)
	})
}
