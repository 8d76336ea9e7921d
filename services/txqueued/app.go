package txqueued

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"txqueue/observability"
	"txqueue/observability/logging"
	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/dispatch"
	"txqueue/services/txqueued/gas"
	"txqueue/services/txqueued/lock"
	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/nonce"
	"txqueue/services/txqueued/pipeline"
	"txqueue/services/txqueued/queue"
	"txqueue/services/txqueued/resend"
	"txqueue/services/txqueued/roles"
	"txqueue/services/txqueued/straggler"
	"txqueue/services/txqueued/syncer"
	"txqueue/services/txqueued/txerr"
)

// App holds the wired components of one txqueued instance.
type App struct {
	cfg    Config
	spec   chain.Spec
	client chain.Client
	signer *chain.KeySigner
	logger *slog.Logger

	Locks      *lock.Registry
	Ledger     *nonce.Ledger
	Store      *queue.Store
	Roles      *roles.Registry
	Gate       *gas.Gate
	Dispatcher *dispatch.Dispatcher
	Resolver   *resend.Resolver
	Detector   *straggler.Detector
	Syncer     *syncer.Syncer
	Submitter  *Submitter
	Server     *Server
}

// NewApp wires every component on top of db, client and signer.
func NewApp(cfg Config, db *gorm.DB, client chain.Client, signer *chain.KeySigner, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	spec, err := cfg.Chain.ParsedSpec()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", txerr.ErrInitialization, err)
	}
	gasCfg, err := cfg.Gas.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", txerr.ErrInitialization, err)
	}
	policy, err := cfg.Resend.Policy()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", txerr.ErrInitialization, err)
	}
	auth, err := NewAuthenticator(cfg.Admin.BearerToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", txerr.ErrInitialization, err)
	}

	metrics := observability.TxQueue()
	a := &App{cfg: cfg, spec: spec, client: client, signer: signer, logger: logging.Component(logger, "app")}
	a.Locks = lock.New(db, lock.WithMetrics(metrics), lock.WithLogger(logger))
	a.Ledger = nonce.NewLedger(db, nonce.WithLocks(a.Locks, spec.String()), nonce.WithMetrics(metrics), nonce.WithLogger(logger))
	a.Store = queue.NewStore(db, a.Locks, queue.WithMetrics(metrics), queue.WithLogger(logger))
	a.Roles = roles.New(db)

	refiller := NewRefiller(spec, a.Store, a.Ledger, a.Roles, signer, client, gasCfg.MinFeePrice.ToBig(), logger)
	a.Gate, err = gas.NewGate(gasCfg, spec, a.Store, a.Locks, a.Roles, client,
		gas.WithRefiller(refiller),
		gas.WithHealthRetry(cfg.Gas.HealthAttempts, cfg.Gas.HealthDelay.Duration),
		gas.WithMetrics(metrics),
		gas.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a.Dispatcher = dispatch.New(spec, a.Store, a.Locks, client,
		dispatch.WithGate(a.Gate), dispatch.WithMetrics(metrics), dispatch.WithLogger(logger))
	a.Resolver, err = resend.New(spec, policy, a.Store, a.Locks, signer,
		resend.WithGate(a.Gate), resend.WithSender(a.Dispatcher), resend.WithNonces(a.Ledger),
		resend.WithMetrics(metrics), resend.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a.Detector = straggler.New(spec, a.Store, a.Resolver,
		straggler.WithGrace(cfg.Straggler.Grace.Duration),
		straggler.WithBatch(cfg.Straggler.Batch),
		straggler.WithMetrics(metrics),
		straggler.WithLogger(logger))
	a.Syncer = syncer.New(spec, syncer.Config{
		Interval:      cfg.Syncer.Interval.Duration,
		Confirmations: cfg.Chain.Confirmations,
		MaxBlocks:     cfg.Syncer.MaxBlocks,
		FlushLimit:    cfg.Syncer.FlushLimit,
	}, a.Store, client, a.Dispatcher,
		syncer.WithFunder(a.Gate),
		syncer.WithDetector(a.Detector),
		syncer.WithMetrics(metrics),
		syncer.WithLogger(logger))

	retry := pipeline.DefaultPolicy()
	retry.InitialInterval = cfg.Retry.InitialInterval.Duration
	retry.MaxInterval = cfg.Retry.MaxInterval.Duration
	retry.MaxRetries = cfg.Retry.MaxRetries
	retry.MaxElapsed = cfg.Retry.MaxElapsed.Duration
	a.Submitter = NewSubmitter(spec, a.Store, a.Gate, a.Dispatcher, retry, logging.Component(logger, "submit"))

	a.Server = NewServer(ServerConfig{
		Spec:      spec,
		Store:     a.Store,
		Locks:     a.Locks,
		Ledger:    a.Ledger,
		Roles:     a.Roles,
		Submitter: a.Submitter,
		Syncer:    a.Dispatcher,
		Resolver:  a.Resolver,
		Detector:  a.Detector,
		Health:    a.Gate,
		Auth:      auth,
	})
	return a, nil
}

// Bootstrap prepares the queue for traffic. It holds the chain-wide INIT
// lock while it assigns the configured gas provider and raises every custodial
// nonce counter to the node's pending nonce. A provider without a loaded key
// is fatal.
func (a *App) Bootstrap(ctx context.Context) (err error) {
	scope := lock.Global(a.spec.String())
	held, err := a.Locks.Check(ctx, scope, lock.Init)
	if err != nil {
		return err
	}
	if held == 0 {
		if _, err := a.Locks.Set(ctx, scope, lock.Init); err != nil {
			return err
		}
		defer func() {
			if _, rerr := a.Locks.Reset(context.WithoutCancel(ctx), scope, lock.Init, lock.Force()); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}()
	}

	if raw := a.cfg.Gas.Provider; raw != "" {
		if err := a.Roles.Set(ctx, models.RoleGasGifter, common.HexToAddress(raw)); err != nil {
			return err
		}
	}
	provider, err := a.Roles.Get(ctx, models.RoleGasGifter)
	switch {
	case errors.Is(err, txerr.ErrRoleMissing):
		a.logger.Warn("no gas provider assigned; refills disabled")
	case err != nil:
		return err
	case !a.signer.Has(provider):
		return fmt.Errorf("%w: %w: keystore holds no key for gas provider %s", txerr.ErrSeppuku, txerr.ErrRoleMissing, provider.Hex())
	}

	for _, addr := range a.signer.Addresses() {
		pending, err := a.client.PendingNonceAt(ctx, addr)
		if err != nil {
			return txerr.Transient(fmt.Errorf("bootstrap: pending nonce of %s: %w", addr.Hex(), err))
		}
		next, err := a.Ledger.Sync(ctx, chain.AddressKey(addr), pending)
		if err != nil {
			return err
		}
		a.logger.Info("nonce counter synced", logging.MaskAddress("address", addr.Hex()), slog.Uint64("next", next))
	}
	return nil
}

// Run serves the admin API and follows the chain until ctx is cancelled or
// either loop fails.
func (a *App) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         a.cfg.ListenAddress,
		Handler:      a.Server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("admin api listening", slog.String("addr", a.cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.Syncer.Run(gctx)
	})
	return g.Wait()
}
