// Command mockupstream runs lightweight HTTP mock servers that simulate each
// upstream vendor API. It is used for local E2E and load testing of the
// relay without real credentials.
//
// Each mock listens on its own port:
//
//	OpenAI chat + responses  :19001
//	Claude                   :19002
//	Gemini + Code Assist     :19003
//	LiteLLM price table      :19004
//
// Environment overrides (PORT_<MOCK>):
//
//	PORT_OPENAI, PORT_CLAUDE, PORT_GEMINI, PORT_PRICES
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS    artificial latency added to every generation (default 0)
//	MOCK_ERROR_RATE    fraction [0,1] of generations that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS  words per reply, also the output token count (default 10)
//	MOCK_STATUS        fail every generation with this status
//	MOCK_API_KEY       upstream key the mocks require
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/mockupstream"
)

func loadConfig() mockupstream.Config {
	c := mockupstream.Config{StreamWords: 10, APIKey: os.Getenv("MOCK_API_KEY")}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Latency = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	if v := os.Getenv("MOCK_STATUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 400 {
			c.Status = n
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

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:        addr,
		Handler:     h,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		log.Info("mock upstream listening", slog.String("mock", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.String("mock", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock upstreams",
		slog.Duration("latency", cfg.Latency),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
		slog.Int("status", cfg.Status),
		slog.Bool("api_key", cfg.APIKey != ""),
	)

	servers := []*http.Server{
		startServer("openai", ":"+portFromEnv("PORT_OPENAI", 19001), mockupstream.NewOpenAI(cfg), log),
		startServer("claude", ":"+portFromEnv("PORT_CLAUDE", 19002), mockupstream.NewClaude(cfg), log),
		startServer("gemini", ":"+portFromEnv("PORT_GEMINI", 19003), mockupstream.NewGemini(cfg), log),
		startServer("prices", ":"+portFromEnv("PORT_PRICES", 19004), mockupstream.NewPrices(), log),
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstreams")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock upstreams stopped")
}
