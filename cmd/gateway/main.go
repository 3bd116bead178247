// Package main запускает HTTP-сервер шлюза уведомлений CoinGate.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/coingate-gateway/internal/cache"
	"github.com/mmeshcher/coingate-gateway/internal/coingate"
	"github.com/mmeshcher/coingate-gateway/internal/config"
	"github.com/mmeshcher/coingate-gateway/internal/fulfillment"
	"github.com/mmeshcher/coingate-gateway/internal/handler"
	"github.com/mmeshcher/coingate-gateway/internal/repository"
	"github.com/mmeshcher/coingate-gateway/internal/service"
	"github.com/mmeshcher/coingate-gateway/internal/telemetry"
)

const (
	serviceName    = "coingate-gateway"
	serviceVersion = "1.0.0"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, serviceName, serviceVersion)
	if err != nil {
		sugar.Fatalw("telemetry initialization error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	client := coingate.NewClient(coingate.ClientConfig{
		BaseURL:   cfg.CoinGateAPIURL,
		AuthToken: cfg.CoinGateAuthToken,
		Sandbox:   cfg.CoinGateSandbox,
		Timeout:   cfg.RemoteTimeout,
	})

	var seenCache service.SeenCache
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// Кэш необязателен: без него дубликаты отсекаются только базой.
			sugar.Warnw("redis unavailable, seen cache disabled", "addr", cfg.RedisAddress, "error", err.Error())
		} else {
			seenCache = cache.NewSeenCache(rdb, cfg.SeenCacheTTL)
		}
	}

	var writer fulfillment.MessageWriter
	if cfg.KafkaBrokers != "" {
		writer = fulfillment.NewKafkaWriter(splitList(cfg.KafkaBrokers), cfg.KafkaTopic)
	}
	fulfiller := fulfillment.NewService(repo, writer, logger)
	defer fulfiller.Close()

	source := coingate.NewSource()
	opts := []service.VerifierOption{service.WithLookupTimeout(cfg.RemoteTimeout)}
	if seenCache != nil {
		opts = append(opts, service.WithSeenCache(seenCache))
	}
	verifier := service.NewVerifier(source, repo, repo, client, logger, opts...)
	engine := service.NewEngine(repo, repo, fulfiller, logger)
	dispatcher := service.NewDispatcher(verifier, engine, repo, seenCache, repo, logger)

	h := handler.NewHandler(dispatcher, repo, logger, cfg.AdminToken)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting coingate gateway",
			"addr", cfg.RunAddress,
			"sandbox", cfg.CoinGateSandbox,
			"seen_cache", seenCache != nil,
			"kafka", writer != nil,
			"admin_api", cfg.AdminToken != "",
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		if err := shutdownTracer(shutdownCtx); err != nil {
			sugar.Warnw("tracer shutdown error", "error", err.Error())
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func splitList(s string) []string {
	var res []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			res = append(res, part)
		}
	}
	return res
}
