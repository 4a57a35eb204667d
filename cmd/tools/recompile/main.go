package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/noah-isme/toko-pricing/internal/app"
	"github.com/noah-isme/toko-pricing/internal/config"
	"github.com/noah-isme/toko-pricing/internal/lock"
	"github.com/noah-isme/toko-pricing/internal/obs"
)

// recompile plans a catalog sweep onto the queue, or with -inline compiles
// in-process without a worker.
func main() {
	inline := flag.Bool("inline", false, "compile in this process instead of enqueueing")
	products := flag.String("products", "", "comma separated product ids; empty means the whole catalog")
	flag.Parse()

	cfg := config.MustLoad()
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "recompile").Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, logger, "toko-pricing-recompile")
	if err != nil {
		logger.Fatal().Err(err).Msg("open dependencies")
	}
	defer deps.Close()

	ids, err := parseIDs(*products)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse product ids")
	}

	if *inline {
		if len(ids) == 0 {
			ids, err = allIDs(ctx, deps)
			if err != nil {
				logger.Fatal().Err(err).Msg("list products")
			}
		}
		if err := deps.Sweeper().Run(ctx, ids); err != nil {
			logger.Fatal().Err(err).Msg("compile")
		}
		logger.Info().Int("products", len(ids)).Msg("catalog compiled")
		return
	}

	planner, err := deps.Planner()
	if err != nil {
		logger.Fatal().Err(err).Msg("build planner")
	}
	if len(ids) > 0 {
		if err := planner.Products(ctx, ids); err != nil {
			logger.Fatal().Err(err).Msg("enqueue products")
		}
		logger.Info().Int("products", len(ids)).Msg("recompile enqueued")
		return
	}
	if _, _, err := planner.Sweep(ctx); err != nil {
		if errors.Is(err, lock.ErrHeld) {
			logger.Warn().Msg("another sweep is being planned")
			return
		}
		logger.Fatal().Err(err).Msg("plan sweep")
	}
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func allIDs(ctx context.Context, deps *app.Dependencies) ([]int64, error) {
	var (
		out   []int64
		after int64
	)
	for {
		page, err := deps.Store.ProductIDs(ctx, after, 500)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return out, nil
		}
		out = append(out, page...)
		after = page[len(page)-1]
	}
}
