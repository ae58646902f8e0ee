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

	"github.com/joho/godotenv"

	"github.com/sungwon/sesmailer/internal/api"
	"github.com/sungwon/sesmailer/internal/auth"
	"github.com/sungwon/sesmailer/internal/bootstrap"
	"github.com/sungwon/sesmailer/internal/config"
	"github.com/sungwon/sesmailer/internal/logger"
)

func main() {
	issueToken := flag.String("issue-token", "", "print a signed API token for the given subject and exit")
	configDir := flag.String("config", "config", "directory containing config.yaml")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var tokens *auth.TokenService
	if cfg.Auth.JWTSecret != "" {
		tokens, err = auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid auth config: %v\n", err)
			os.Exit(1)
		}
	}

	if *issueToken != "" {
		if tokens == nil {
			fmt.Fprintln(os.Stderr, "auth.jwt_secret is not set")
			os.Exit(1)
		}
		token, err := tokens.Issue(*issueToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	log := logger.NewFromConfig(cfg.Logging)
	log.Info().Msg("starting API server")

	if tokens == nil {
		log.Warn().Msg("auth.jwt_secret is not set; /api/v1 is unauthenticated")
	}

	ctx := context.Background()
	rt, err := bootstrap.NewRuntime(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize transport")
	}

	deps := api.Deps{
		Transport: rt.Transport,
		Health:    rt.Health,
		Tokens:    tokens,
		Logger:    log,
	}
	if rt.Journal != nil {
		deps.Deliveries = rt.Journal
		deps.Ready = append(deps.Ready, api.ReadinessCheck{Name: "database", Check: rt.DB.Ping})
	}

	qh, err := bootstrap.OpenQueue(ctx, cfg, log)
	switch {
	case errors.Is(err, bootstrap.ErrNoQueue):
		log.Info().Msg("no queue configured; async sends disabled")
	case err != nil:
		log.Fatal().Err(err).Msg("failed to open queue")
	default:
		defer qh.Close()
		deps.Queue = qh.Queue
		deps.Ready = append(deps.Ready, api.ReadinessCheck{Name: "queue", Check: qh.Ping})
	}

	srv := &http.Server{
		Addr:         cfg.API.Addr(),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := rt.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("transport did not drain")
	}

	log.Info().Msg("server stopped")
}
