package main

import (
	"context"
	"errors"
	"flag"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Adi-21/metrikprotocol/invoice/ledger/evm"
	"github.com/Adi-21/metrikprotocol/invoice/syncer"
	"github.com/Adi-21/metrikprotocol/observability/logging"
	telemetry "github.com/Adi-21/metrikprotocol/observability/otel"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the daemon configuration")
	flag.Parse()

	env := os.Getenv("INVOICED_ENV")
	logger := logging.Setup("invoiced", env)

	cfg, err := Load(configPath)
	if err != nil {
		logger.Error("configuration invalid", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := func(context.Context) error { return nil }
	if cfg.Telemetry.Endpoint != "" {
		shutdownTelemetry, err = telemetry.Init(ctx, telemetry.Config{
			ServiceName: "invoiced",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			logger.Error("telemetry init failed", "err", err)
			os.Exit(1)
		}
	}

	var chainID *big.Int
	if cfg.Node.ChainID > 0 {
		chainID = big.NewInt(cfg.Node.ChainID)
	}
	client, err := evm.Dial(ctx, evm.Config{
		NodeURL:         cfg.Node.URL,
		ContractAddress: common.HexToAddress(cfg.Node.Contract),
		ChainID:         chainID,
		PrivateKeyHex:   cfg.Node.PrivateKey,
		Confirmations:   cfg.Node.Confirmations,
		PollInterval:    cfg.Node.PollInterval,
		ReadsPerSecond:  cfg.Node.ReadsPerSecond,
	}, logger)
	if err != nil {
		logger.Error("ledger connection failed", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	var snapshots syncer.SnapshotStore
	if cfg.Storage.Path != "" {
		db, err := OpenSnapshotDB(cfg.Storage.Path)
		if err != nil {
			logger.Error("snapshot store unavailable", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		snapshots = db
	}

	engine, err := syncer.New(syncer.Config{
		Client:          client,
		LookbackBlocks:  cfg.Sync.LookbackBlocks,
		FixedFloor:      cfg.Sync.FixedFloor,
		ProbeMargin:     cfg.Sync.ProbeMargin,
		ReadConcurrency: cfg.Sync.ReadConcurrency,
		FinalityTimeout: cfg.Sync.FinalityTimeout,
		Snapshots:       snapshots,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("engine init failed", "err", err)
		os.Exit(1)
	}

	if err := engine.Restore(ctx); err != nil {
		logger.Warn("snapshot restore failed, starting cold", "err", err)
	}
	if err := engine.Sync(ctx, nil); err != nil {
		logger.Warn("initial sync incomplete", "err", err)
	}

	go newWarmer(engine, cfg.Sync.ResyncInterval, cfg.OwnerAddresses(), logger).run(ctx)

	server := NewServer(engine, cfg.Auth.APITokens, logger)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server.Handler(), "invoiced"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listener ready", "addr", cfg.ListenAddress)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "err", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown incomplete", "err", err)
	}
}
