// Package main запускает HTTP-сервер депозитной кассы.
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

	"github.com/mmeshcher/deposit-system/internal/cashledger"
	"github.com/mmeshcher/deposit-system/internal/config"
	"github.com/mmeshcher/deposit-system/internal/handler"
	"github.com/mmeshcher/deposit-system/internal/middleware"
	"github.com/mmeshcher/deposit-system/internal/repository"
	"github.com/mmeshcher/deposit-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI, cfg.LockTimeout)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ledger *cashledger.Producer
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		ledger = cashledger.NewProducer(brokers, cfg.CashLedgerTopic, 256)
		ledger.Start(ctx)
	}

	svc := service.NewService(repo, ledger, cfg.OverpaymentCents, cfg.TaxRateBP, cfg.PickupOverdue, cfg.ExpireSweepEvery)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового обхода просроченных заказов
	g.Go(func() error {
		svc.StartExpireSweep(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting deposit server", "addr", cfg.RunAddress)
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

		if ledger != nil {
			ledger.WaitClosed()
		}

		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
