package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/joho/godotenv"

	"github.com/sungwon/sesmailer/internal/auth"
	"github.com/sungwon/sesmailer/internal/bootstrap"
	"github.com/sungwon/sesmailer/internal/config"
	"github.com/sungwon/sesmailer/internal/logger"
	smtpserver "github.com/sungwon/sesmailer/internal/smtp"
)

func main() {
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash of the given password and exit")
	configDir := flag.String("config", "config", "directory containing config.yaml")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	_ = godotenv.Load()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewFromConfig(cfg.Logging)
	log.Info().Msg("starting SMTP server")

	ctx := context.Background()
	rt, err := bootstrap.NewRuntime(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize transport")
	}

	if cfg.SMTP.Username == "" {
		log.Warn().Msg("smtp.username is empty; AUTH is disabled and any client may submit")
	}

	backend := smtpserver.NewBackend(rt.Transport, smtpserver.Options{
		Credentials: auth.Credentials{
			Username:     cfg.SMTP.Username,
			PasswordHash: cfg.SMTP.PasswordHash,
		},
		MaxRecipients: cfg.SMTP.MaxRecipients,
		SubmitTimeout: 2 * cfg.Transport.SendTimeout,
	}, log)

	s := gosmtp.NewServer(backend)
	s.Addr = cfg.SMTP.Addr()
	s.Domain = cfg.SMTP.Domain
	s.ReadTimeout = cfg.SMTP.ReadTimeout
	s.WriteTimeout = cfg.SMTP.WriteTimeout
	s.MaxMessageBytes = cfg.SMTP.MaxMessageSize
	s.MaxRecipients = cfg.SMTP.MaxRecipients
	s.AllowInsecureAuth = cfg.SMTP.AllowInsecureAuth
	s.EnableSMTPUTF8 = true

	if cfg.SMTP.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.SMTP.CertFile, cfg.SMTP.KeyFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load TLS certificate")
		}
		s.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		log.Info().Msg("TLS: STARTTLS enabled")
	} else if !cfg.SMTP.AllowInsecureAuth && cfg.SMTP.Username != "" {
		log.Warn().Msg("no TLS certificate configured and insecure auth disabled; clients cannot authenticate")
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", s.Addr).Msg("failed to listen")
	}

	go func() {
		log.Info().Str("addr", s.Addr).Msg("SMTP server listening")
		if err := s.Serve(ln); err != nil {
			log.Error().Err(err).Msg("SMTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down SMTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("SMTP server shutdown error")
	}
	if err := rt.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("transport did not drain")
	}

	log.Info().Msg("SMTP server stopped")
}
