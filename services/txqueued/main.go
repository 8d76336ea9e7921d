package txqueued

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"txqueue/observability"
	"txqueue/observability/logging"
	telemetry "txqueue/observability/otel"
	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/storage"
	"txqueue/services/txqueued/txerr"
)

// Main initialises and runs the transaction queue daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/txqueued/config.yaml", "path to txqueued configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup("txqueued", cfg.Environment)
	logger.Info("configuration loaded", cfg.LogAttrs()...)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "txqueued",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	dsn, err := cfg.Database.ResolveDSN()
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	db, err := storage.Open(cfg.Database.Driver, dsn, storage.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Duration,
		Migrate:         true,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = storage.Close(db) }()

	signer, err := chain.LoadKeystoreDir(cfg.Keystore.Dir, cfg.Keystore.Passphrase)
	if err != nil {
		return fmt.Errorf("%w: load keystore: %w", txerr.ErrSeppuku, err)
	}

	spec, err := cfg.Chain.ParsedSpec()
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := chain.Dial(dialCtx, cfg.Chain.RPCURL,
		chain.WithRateLimit(cfg.Chain.RPS, cfg.Chain.Burst),
		chain.WithCallTimeout(cfg.Chain.CallTimeout.Duration),
		chain.WithMetrics(observability.TxQueue()))
	if err != nil {
		cancel()
		return fmt.Errorf("dial chain: %w", err)
	}
	defer client.Close()
	remoteID, err := client.ChainID(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("query chain id: %w", err)
	}
	if remoteID.Cmp(spec.BigID()) != 0 {
		return fmt.Errorf("%w: node reports chain %s, configured %s", txerr.ErrInitialization, remoteID, spec)
	}

	app, err := NewApp(cfg, db, client, signer, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	return app.Run(ctx)
}
