// Command upstream runs a lightweight HTTP mock of the enterprise AI
// platform. It is used for E2E/load testing of the proxy without real
// credentials: it serves the OAuth token endpoint, the deployment catalog
// and per-deployment inference endpoints for all three dialects.
//
// Listens on :19100 (override with PORT_UPSTREAM). Point the proxy at it:
//
//	AICORE_CLIENT_ID=mock AICORE_CLIENT_SECRET=mock \
//	AICORE_AUTH_URL=http://localhost:19100 \
//	AICORE_BASE_URL=http://localhost:19100 ./proxy
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS    — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE    — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_429_RATE      — fraction [0,1] of inference calls that return 429 (default 0)
//	MOCK_STREAM_WORDS  — words in streaming responses (default 10)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Config holds runtime configuration shared across all mock handlers.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	Rate429     float64
	StreamWords int
}

func loadConfig() Config {
	c := Config{StreamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_429_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.Rate429 = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock platform",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Float64("rate_429", cfg.Rate429),
		slog.Int("stream_words", cfg.StreamWords),
	)

	addr := ":" + portFromEnv("PORT_UPSTREAM", 19100)
	srv := &http.Server{
		Addr:         addr,
		Handler:      newPlatformHandler(cfg, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("mock platform listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	// Print readiness
	fmt.Println("READY")

	// Wait for signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock platform")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	log.Info("mock platform stopped")
}
