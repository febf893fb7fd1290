// Package main запускает HTTP-сервер книжного магазина.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/bookshelf/internal/config"
	"github.com/mmeshcher/bookshelf/internal/gateway"
	"github.com/mmeshcher/bookshelf/internal/handler"
	"github.com/mmeshcher/bookshelf/internal/middleware"
	"github.com/mmeshcher/bookshelf/internal/repository"
	"github.com/mmeshcher/bookshelf/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		repo, err = repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory storage")
		repo = repository.NewMemoryRepository()
	}

	gw := gateway.NewClient(cfg.GatewayAddress, cfg.GatewaySecret)
	if !gw.Configured() {
		if cfg.AllowUnverifiedPayments {
			sugar.Warn("payment gateway is not configured, purchases are settled unverified")
		} else {
			sugar.Warn("payment gateway is not configured, gateway payments stay pending")
		}
	}

	svc := service.NewService(repo, gw, cfg.GatewaySecret, logger,
		service.WithUnverifiedPayments(cfg.AllowUnverifiedPayments))
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateLimit, logger)
	h := handler.NewHandler(svc, logger, authMiddleware, limiter, cfg.InternalToken)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая сверка ожидающих платежей со шлюзом
	g.Go(func() error {
		svc.StartPaymentReconciliation(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting bookshelf server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
