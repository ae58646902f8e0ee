package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sungwon/sesmailer/internal/bootstrap"
	"github.com/sungwon/sesmailer/internal/config"
	"github.com/sungwon/sesmailer/internal/logger"
	"github.com/sungwon/sesmailer/internal/queue"
)

func main() {
	configDir := flag.String("config", "config", "directory containing config.yaml")
	metricsAddr := flag.String("metrics-addr", "", "serve /metrics on this address (disabled when empty)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewFromConfig(cfg.Logging)
	log.Info().Msg("starting queue worker")

	ctx := context.Background()
	rt, err := bootstrap.NewRuntime(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize transport")
	}

	qh, err := bootstrap.OpenQueue(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open queue")
	}
	defer qh.Close()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	feeder := queue.NewFeeder(qh.Queue, rt.Transport, log)
	feeder.Start(ctx)
	log.Info().
		Str("driver", qh.Queue.Name()).
		Int("concurrency_limit", cfg.Transport.ConcurrencyLimit).
		Int("rate_limit", cfg.Transport.RateLimit).
		Msg("queue worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down queue worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second+cfg.Transport.SendTimeout)
	defer cancel()

	if err := feeder.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("feeder stopped with jobs still in flight")
	}
	if err := rt.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("transport did not drain")
	}

	log.Info().Msg("queue worker stopped")
}
