// Package main запускает сервис автозакупки подарков.
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

	"github.com/ndolgushin/starsbuyer/internal/allocator"
	"github.com/ndolgushin/starsbuyer/internal/config"
	"github.com/ndolgushin/starsbuyer/internal/delivery"
	"github.com/ndolgushin/starsbuyer/internal/handler"
	"github.com/ndolgushin/starsbuyer/internal/market"
	"github.com/ndolgushin/starsbuyer/internal/middleware"
	"github.com/ndolgushin/starsbuyer/internal/pool"
	"github.com/ndolgushin/starsbuyer/internal/repository"
	"github.com/ndolgushin/starsbuyer/internal/service"
	"github.com/ndolgushin/starsbuyer/internal/session"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	marketClient := market.NewClient(cfg.MarketAddress, 0)
	sessions := session.NewStore(cfg.SessionsDir, cfg.ProxiesFile, marketClient)
	accounts := pool.New(repo, sessions, logger)

	alloc := allocator.New(repo, accounts, sessions, marketClient, cfg, logger)
	deliveryWorker := delivery.New(repo, sessions, marketClient, cfg.DeliveryInterval, logger)

	svc := service.NewService(repo, cfg.CommissionRate)
	defer svc.Close()

	adminAuth := middleware.NewAdminAuth(cfg.AdminToken)
	h := handler.NewHandler(svc, logger, adminAuth)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск цикла закупки подарков
	g.Go(func() error {
		alloc.Run(ctx)
		return nil
	})

	// Запуск фоновой доставки купленных подарков
	g.Go(func() error {
		deliveryWorker.Run(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting giftbuyer server", "addr", cfg.RunAddress)
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
