package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/matheus3301/nebula/internal/logging"
	"github.com/matheus3301/nebula/internal/metrics"
	"github.com/matheus3301/nebula/internal/relay"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultAddr = ":5001"

func main() {
	issue := flag.String("issue", "", "print a token for this user id and exit")
	ttl := flag.Duration("ttl", 24*time.Hour, "lifetime of an issued token")
	flag.Parse()

	// A missing .env is fine; the process environment still applies.
	_ = godotenv.Load()

	auth := relay.NewAuthenticator(os.Getenv("NEBULA_RELAY_JWT_SECRET"))
	if *issue != "" {
		token, err := auth.Issue(*issue, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger, err := logging.NewConsole(envOr("NEBULA_RELAY_LOG_LEVEL", "info"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(auth, logger); err != nil {
		logger.Fatal("relay failed", zap.Error(err))
	}
}

func run(auth *relay.Authenticator, logger *zap.Logger) error {
	opts := relay.DefaultOptions()
	if v := os.Getenv("NEBULA_RELAY_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("NEBULA_RELAY_RATE: %w", err)
		}
		opts.RateLimit = rate.Limit(r)
	}
	if v := os.Getenv("NEBULA_RELAY_BURST"); v != "" {
		b, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NEBULA_RELAY_BURST: %w", err)
		}
		opts.Burst = b
	}
	if !auth.Enabled() {
		logger.Warn("NEBULA_RELAY_JWT_SECRET not set, accepting unauthenticated connections")
	}

	m := metrics.New()
	hub := relay.NewHub(auth, m, logger, opts)
	srv := &http.Server{
		Addr:              envOr("NEBULA_RELAY_ADDR", defaultAddr),
		Handler:           relay.Router(hub, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Close()
	return srv.Shutdown(shutdownCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
