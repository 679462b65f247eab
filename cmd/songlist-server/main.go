package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/songlist-pager/internal/config"
	"github.com/Sternrassler/songlist-pager/pkg/client"
	"github.com/Sternrassler/songlist-pager/pkg/logging"
	"github.com/Sternrassler/songlist-pager/pkg/pagination"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (default $SONGLIST_CONFIG or ./songlist.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.Log.Level),
		Pretty:  cfg.Log.Pretty,
		Service: "songlist-server",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := connectRedis(ctx, cfg.Redis)
	if err != nil {
		if cfg.Redis.Required {
			logger.Fatal().Err(err).Str("redis_url", cfg.Redis.URL).Msg("Failed to connect to Redis")
		}
		logger.Warn().Err(err).Str("redis_url", cfg.Redis.URL).Msg("Redis unavailable - running without cache and shared quota")
		redisClient = nil
	} else {
		logger.Info().Str("redis_url", cfg.Redis.URL).Msg("Connected to Redis")
		defer redisClient.Close()
	}

	clientCfg := client.DefaultConfig(redisClient, cfg.Search.UserAgent)
	clientCfg.BaseURL = cfg.Search.BaseURL
	clientCfg.Media = cfg.Search.Media
	clientCfg.Country = cfg.Search.Country
	clientCfg.Lang = cfg.Search.Lang
	clientCfg.PageSize = cfg.Search.PageSize
	clientCfg.RequestsPerMinute = cfg.Search.RequestsPerMinute
	clientCfg.RequestTimeout = cfg.Search.RequestTimeout

	searchClient, err := client.New(clientCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create search client")
	}
	defer searchClient.Close()

	srv := newServer(searchClient, redisClient, serverOptions{
		Loader:      pagination.Config{FetchTimeout: cfg.Pagination.FetchTimeout},
		MaxSessions: cfg.Pagination.MaxSessions,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		srv.closeAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Graceful shutdown failed")
		}
	}()

	logger.Info().
		Str("addr", httpServer.Addr).
		Str("user_agent", cfg.Search.UserAgent).
		Str("search_base_url", cfg.Search.BaseURL).
		Msg("Starting songlist server")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

// connectRedis opens and pings Redis. cfg.URL is host:port or a redis:// URL.
func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("no redis url configured")
	}

	opts := &redis.Options{Addr: cfg.URL}
	if strings.Contains(cfg.URL, "://") {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}

	redisClient := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return redisClient, nil
}
