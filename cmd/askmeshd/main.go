// Command askmeshd serves the payment-gated question marketplace.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/askmesh/askmesh/internal/config"
	"github.com/askmesh/askmesh/internal/httpapi"
	"github.com/askmesh/askmesh/internal/market/sqlite"
	"github.com/askmesh/askmesh/x402"
	"github.com/askmesh/askmesh/x402/evm"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	network := cfg.NetworkConfig()
	registry, err := x402.NewRegistry([]x402.NetworkConfig{network}, network.Network)
	if err != nil {
		return err
	}

	var facilitator x402.Facilitator
	if cfg.LocalFacilitator {
		local, err := evm.NewLocalFacilitator(evm.LocalFacilitatorConfig{
			Network:        registry.Active(),
			Registry:       registry,
			PrivateKeyHex:  cfg.SettleKey,
			AttributionTag: cfg.AttributionTag,
		})
		if err != nil {
			return err
		}
		logger.Info("using local facilitator", "network", network.Network, "signer", local.SignerAddress().Hex())
		facilitator = local
	} else {
		logger.Info("using remote facilitator", "network", network.Network, "url", cfg.FacilitatorURL)
		facilitator = x402.NewRemoteFacilitator(cfg.FacilitatorURL)
	}

	orchestrator, err := x402.NewOrchestrator(x402.OrchestratorConfig{
		Network:     registry.Active(),
		PayTo:       cfg.PayTo,
		Facilitator: facilitator,
		Queue:       x402.NewSerialQueue(),
		Verifiers:   []x402.SchemeVerifier{evm.NewExactScheme(registry)},
		Events: func(event x402.Event) {
			logger.Info("payment event", "type", event.Type, "route", event.Route,
				"payer", event.Payer, "tx", event.Transaction, "reason", event.Reason)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	api := httpapi.New(httpapi.Config{
		Store:              store,
		Orchestrator:       orchestrator,
		QuestionPriceCents: cfg.QuestionPriceCents,
		AnswerPriceCents:   cfg.AnswerPriceCents,
		Logger:             logger,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr, "network", network.Network)
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
