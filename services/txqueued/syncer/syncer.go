// Package syncer follows the chain head, settles local transactions from
// mined blocks and drives the dispatcher and straggler detector.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"txqueue/observability"
	"txqueue/observability/logging"
	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/queue"
	"txqueue/services/txqueued/status"
	"txqueue/services/txqueued/straggler"
	"txqueue/services/txqueued/txerr"
)

// Dispatcher settles and submits records.
type Dispatcher interface {
	Sync(ctx context.Context, hash string) (*models.Otx, error)
	Flush(ctx context.Context, limit int) (int, error)
}

// Funder resumes senders parked on gas once a refill mines.
type Funder interface {
	GasProvider(ctx context.Context) (common.Address, error)
	Resume(ctx context.Context, address common.Address) (int, error)
}

// Detector inspects each processed block for stragglers.
type Detector interface {
	Run(ctx context.Context, block *types.Block) (straggler.Report, error)
}

// Config tunes the poll loop.
type Config struct {
	Interval      time.Duration
	Confirmations uint64
	// MaxBlocks caps the blocks processed per tick.
	MaxBlocks  int
	FlushLimit int
}

// Syncer is the chain follower for one chain.
type Syncer struct {
	spec       chain.Spec
	cfg        Config
	db         *gorm.DB
	store      *queue.Store
	client     chain.Client
	dispatcher Dispatcher
	funder     Funder
	detector   Detector
	now        func() time.Time
	metrics    *observability.TxQueueMetrics
	logger     *slog.Logger
}

// Option customises a Syncer.
type Option func(*Syncer)

// WithFunder resumes gas-parked senders after refills.
func WithFunder(f Funder) Option { return func(s *Syncer) { s.funder = f } }

// WithDetector runs the straggler detector on every block.
func WithDetector(d Detector) Option { return func(s *Syncer) { s.detector = d } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Syncer) { s.now = now } }

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.TxQueueMetrics) Option { return func(s *Syncer) { s.metrics = m } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Syncer) { s.logger = l } }

// New constructs a Syncer.
func New(spec chain.Spec, cfg Config, store *queue.Store, client chain.Client, dispatcher Dispatcher, opts ...Option) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxBlocks <= 0 {
		cfg.MaxBlocks = 100
	}
	if cfg.FlushLimit <= 0 {
		cfg.FlushLimit = 100
	}
	s := &Syncer{
		spec:       spec,
		cfg:        cfg,
		db:         store.DB(),
		store:      store,
		client:     client,
		dispatcher: dispatcher,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "syncer")
	return s
}

// Run polls until ctx is cancelled. Tick failures are logged and retried on
// the next tick; fatal errors stop the loop.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				if txerr.IsSeppuku(err) {
					return err
				}
				if !errors.Is(err, context.Canceled) {
					s.logger.Warn("sync tick failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// Tick processes confirmed blocks past the cursor, then flushes the
// dispatcher.
func (s *Syncer) Tick(ctx context.Context) error {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if head < s.cfg.Confirmations {
		return s.flush(ctx)
	}
	target := head - s.cfg.Confirmations

	cursor, found, err := s.Cursor(ctx)
	if err != nil {
		return err
	}
	if !found {
		// A fresh cursor starts at the current confirmed height.
		if err := s.saveCursor(ctx, target); err != nil {
			return err
		}
		cursor = target
		s.logger.Info("sync cursor initialised", slog.String("chain", s.spec.String()), slog.Uint64("block", target))
	}

	processed := 0
	for n := cursor + 1; n <= target && processed < s.cfg.MaxBlocks; n++ {
		block, err := s.client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return fmt.Errorf("syncer: block %d: %w", n, err)
		}
		if err := s.processBlock(ctx, block); err != nil {
			return fmt.Errorf("syncer: process block %d: %w", n, err)
		}
		if err := s.saveCursor(ctx, n); err != nil {
			return err
		}
		s.metrics.SetSyncHeight(s.spec.String(), n)
		processed++
	}
	return s.flush(ctx)
}

func (s *Syncer) flush(ctx context.Context) error {
	if s.dispatcher == nil {
		return nil
	}
	sent, err := s.dispatcher.Flush(ctx, s.cfg.FlushLimit)
	if sent > 0 {
		s.logger.Debug("dispatcher flushed", slog.Int("sent", sent))
	}
	return err
}

func (s *Syncer) processBlock(ctx context.Context, block *types.Block) error {
	var provider *common.Address
	if s.funder != nil {
		if addr, err := s.funder.GasProvider(ctx); err == nil {
			provider = &addr
		}
	}
	for _, tx := range block.Transactions() {
		hash := chain.HashKey(tx.Hash())
		if _, err := s.store.Get(ctx, hash); err != nil {
			if errors.Is(err, txerr.ErrNotFound) {
				continue
			}
			return err
		}
		settled, err := s.dispatcher.Sync(ctx, hash)
		if err != nil {
			return err
		}
		if provider == nil || settled.State() != status.Success {
			continue
		}
		if common.HexToAddress(settled.Sender) != *provider || settled.Recipient == "" {
			continue
		}
		if _, err := s.funder.Resume(ctx, common.HexToAddress(settled.Recipient)); err != nil {
			return err
		}
	}
	if s.detector != nil {
		report, err := s.detector.Run(ctx, block)
		if err != nil {
			return err
		}
		if len(report.Gaps)+len(report.Resent)+len(report.Superseded) > 0 {
			s.logger.Info("stragglers handled",
				slog.Uint64("block", block.NumberU64()),
				slog.Int("gaps", len(report.Gaps)),
				slog.Int("resent", len(report.Resent)),
				slog.Int("superseded", len(report.Superseded)))
		}
	}
	return nil
}

// Cursor returns the last processed block.
func (s *Syncer) Cursor(ctx context.Context) (uint64, bool, error) {
	var row models.SyncCursor
	err := s.db.WithContext(ctx).First(&row, "chain_id = ?", s.spec.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("syncer: load cursor: %w", err)
	}
	return row.Block, true, nil
}

// SetCursor moves the cursor, e.g. to replay from an earlier block.
func (s *Syncer) SetCursor(ctx context.Context, block uint64) error {
	return s.saveCursor(ctx, block)
}

func (s *Syncer) saveCursor(ctx context.Context, block uint64) error {
	row := models.SyncCursor{ChainID: s.spec.String(), Block: block, UpdatedAt: s.now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"block", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("syncer: save cursor: %w", err)
	}
	return nil
}
