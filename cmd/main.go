package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/storefront-cart/internal/cartapi"
	"github.com/fjod/storefront-cart/internal/config"
	"github.com/fjod/storefront-cart/internal/draft"
	h "github.com/fjod/storefront-cart/internal/http"
	"github.com/fjod/storefront-cart/internal/notify"
	"github.com/fjod/storefront-cart/internal/poller"
	"github.com/fjod/storefront-cart/internal/session"
	"github.com/fjod/storefront-cart/pkg/circuitbreaker"
	"github.com/fjod/storefront-cart/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()
	zap.ReplaceGlobals(lg)

	// Drafts of anonymous sessions live in Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		lg.Fatal("failed to connect to redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	cancel()

	breakerCfg := circuitbreaker.DefaultConfig("cart-api")
	breakerCfg.MaxFailures = cfg.BreakerFailures
	breakerCfg.OpenTimeout = cfg.BreakerTimeout

	sessionCfg := session.Config{
		CartAPIURL:       cfg.CartAPIURL,
		HTTPClient:       cartapi.NewHTTPClient(cfg.CartAPITimeout),
		Breaker:          cartapi.NewBreaker(breakerCfg, lg),
		Persister:        draft.NewRedisPersister(rdb, cfg.DraftTTL),
		PromoDelay:       cfg.PromoDebounce,
		MergeConcurrency: cfg.MergeConcurrency,
		IdleTimeout:      cfg.SessionIdle,
	}
	if len(cfg.KafkaBrokers) > 0 {
		writer := notify.NewKafkaWriter(cfg.KafkaTopic, cfg.KafkaBrokers...)
		defer func() {
			if err := writer.Close(); err != nil {
				lg.Error("failed to close kafka writer", zap.Error(err))
			}
		}()
		sessionCfg.Kafka = writer
		lg.Info("publishing notifications to kafka",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic))
	}

	sessions := session.NewManager(sessionCfg, lg)
	defer sessions.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go sessions.Run(ctx, cfg.SessionSweep)

	if len(cfg.KafkaBrokers) > 0 && cfg.CheckoutTopic != "" {
		checkouts := poller.New(poller.NewReader(cfg.CheckoutTopic, cfg.CheckoutGroup, cfg.KafkaBrokers...), sessions, lg)
		go checkouts.Run(ctx)
		defer func() {
			stop()
			checkouts.Close()
		}()
	}

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: h.NewRouter(h.RouterConfig{
			RequestTimeout:     cfg.RequestTimeout,
			MaxRequestBodySize: cfg.MaxRequestBodySize,
		}, sessions, lg),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		lg.Info("storefront cart starting", zap.String("port", cfg.HTTPPort), zap.String("cart_api", cfg.CartAPIURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("shutting down server...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("server forced to shutdown", zap.Error(err))
	}
	lg.Info("server exited")
}
