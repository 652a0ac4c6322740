package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tollgate/gateway/config"
	"tollgate/gateway/mandate"
	"tollgate/gateway/middleware"
	"tollgate/gateway/payment"
	"tollgate/gateway/policy"
	"tollgate/gateway/proxy"
	"tollgate/gateway/receipt"
	"tollgate/gateway/replay"
	"tollgate/gateway/routes"
	"tollgate/gateway/server"
	"tollgate/observability/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tollgated: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(logging.Options{
		Service: "tollgated",
		Env:     cfg.Env,
		File:    cfg.LogFile,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	// Route table first: nothing else is worth starting if the routes
	// file does not parse or names a backend that fails admission.
	prober := routes.NewProber(nil, cfg.SkipX402Probe)
	var rules []routes.Rule
	if strings.TrimSpace(cfg.RoutesFile) != "" {
		loaded, err := routes.LoadFile(cfg.RoutesFile)
		if err != nil {
			return err
		}
		checkCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = routes.CheckRules(checkCtx, loaded, prober)
		cancel()
		if err != nil {
			return fmt.Errorf("routes file admission: %w", err)
		}
		rules = loaded
	}
	table, err := routes.NewTable(rules)
	if err != nil {
		return err
	}
	logger.Info("route table loaded", slog.Int("routes", table.Len()))

	var replayStore replay.Store
	if strings.TrimSpace(cfg.ReplayDBPath) != "" {
		store, err := replay.NewLevelDBStore(cfg.ReplayDBPath)
		if err != nil {
			return fmt.Errorf("open replay store: %w", err)
		}
		replayStore = store
	} else {
		replayStore = replay.NewMemoryStore()
	}
	defer replayStore.Close()

	verifier := mandate.NewVerifier(mandate.NewDailyLedger(), mandate.NewLifetimeLedger())
	receipts := receipt.NewStore(10000)

	var signer *receipt.Signer
	if strings.TrimSpace(cfg.ReceiptSigningKey) != "" {
		signer, err = receipt.NewSigner(cfg.ReceiptSigningKey)
		if err != nil {
			return err
		}
		logger.Info("receipt signing enabled", slog.String("signer", signer.Address()))
	}

	var oracle policy.Oracle
	if cfg.ReputationEnabled() {
		caller, err := policy.DialContractCaller(cfg.ReputationRPCURL)
		if err != nil {
			return fmt.Errorf("dial reputation rpc: %w", err)
		}
		defer caller.Close()
		oracle = policy.NewCachedOracle(
			policy.NewEVMOracle(caller, common.HexToAddress(cfg.ReputationContract)),
			time.Minute,
		)
		logger.Info("reputation oracle enabled",
			slog.String("contract", cfg.ReputationContract),
			slog.Int64("min_score", cfg.ReputationMinScore))
	}
	checker := policy.NewChecker(policy.NewBlacklist(), oracle, cfg.MinScore(), logger)

	facilitator := payment.NewHTTPFacilitator(cfg.FacilitatorURL, nil)
	passThrough := cfg.FacilitatorURL == ""
	if !passThrough {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		passThrough = !facilitator.Reachable(pingCtx)
		cancel()
	}
	if passThrough {
		logger.Warn("facilitator unreachable, paid routes degrade to pass-through",
			slog.String("facilitator_url", cfg.FacilitatorURL))
	}
	gate := payment.NewGate(facilitator, cfg.Network, cfg.PayToAddress, passThrough)

	srv := server.New(server.Options{
		Config:    cfg,
		Table:     table,
		Replay:    replayStore,
		Verifier:  verifier,
		Gate:      gate,
		Checker:   checker,
		Forwarder: proxy.NewForwarder(proxy.NewGuardedClient(30*time.Second), cfg.MaxBodyBytes),
		Receipts:  receipts,
		Signer:    signer,
		Limiter:   middleware.NewRateLimiter(cfg.RateLimitPerMin, 0),
		Obs:       middleware.NewObservability("tollgate"),
		Prober:    prober,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", listener.Addr().String()))
		if serveErr := httpServer.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	logger.Info("shutdown complete")
	return nil
}
