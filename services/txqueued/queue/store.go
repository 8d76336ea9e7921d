// Package queue persists outgoing transactions and applies status transitions.
//
// Every transition is a locked read-validate-write: the record row is loaded
// with FOR UPDATE, the transition is checked against the status table, the
// update is guarded by the status that was read, and the state log row is
// appended in the same database transaction.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"txqueue/observability"
	"txqueue/observability/logging"
	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/lock"
	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/status"
	"txqueue/services/txqueued/txerr"
)

// Store is the transaction record store.
type Store struct {
	db      *gorm.DB
	locks   *lock.Registry
	now     func() time.Time
	metrics *observability.TxQueueMetrics
	logger  *slog.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.TxQueueMetrics) Option { return func(s *Store) { s.metrics = m } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// NewStore constructs a Store. locks gates registration on the QUEUE flag.
func NewStore(db *gorm.DB, locks *lock.Registry, opts ...Option) *Store {
	s := &Store{db: db, locks: locks, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "queue")
	return s
}

// WithTx returns a Store whose operations join the caller's transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	clone := *s
	clone.db = tx
	return &clone
}

// DB exposes the underlying handle for composing transactions.
func (s *Store) DB() *gorm.DB { return s.db }

// Register decodes signed bytes and records a new PENDING transaction. The
// QUEUE lock is checked before any row is written. A (chain, sender, nonce)
// triple may only be reused once every earlier record at it is final and not
// successful.
func (s *Store) Register(ctx context.Context, spec chain.Spec, raw []byte) (*models.Otx, error) {
	tx, err := chain.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", txerr.ErrPermanent, err)
	}
	return s.RegisterTx(ctx, spec, tx)
}

// RegisterTx is Register for an already decoded transaction.
func (s *Store) RegisterTx(ctx context.Context, spec chain.Spec, signed *types.Transaction) (*models.Otx, error) {
	sender, err := spec.Sender(signed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", txerr.ErrPermanent, err)
	}
	raw, err := chain.Encode(signed)
	if err != nil {
		return nil, err
	}
	record := models.Otx{
		ChainID:  spec.String(),
		Sender:   chain.AddressKey(sender),
		Nonce:    signed.Nonce(),
		TxHash:   chain.HashKey(signed.Hash()),
		SignedTx: fmt.Sprintf("0x%x", raw),
		GasPrice: signed.GasFeeCap().String(),
		Status:   status.Pending.Wire(),
	}
	if to := signed.To(); to != nil {
		record.Recipient = chain.AddressKey(*to)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.locks != nil {
			if err := s.locks.Guard(tx, lock.ForAddress(record.ChainID, record.Sender), lock.Queue); err != nil {
				return err
			}
		}
		var dup int64
		if err := tx.Model(&models.Otx{}).Where("tx_hash = ?", record.TxHash).Count(&dup).Error; err != nil {
			return fmt.Errorf("queue: check hash: %w", err)
		}
		if dup > 0 {
			return fmt.Errorf("%w: transaction %s already registered", txerr.ErrIntegrity, record.TxHash)
		}
		var siblings []models.Otx
		if err := tx.Where("chain_id = ? AND sender = ? AND nonce = ?", record.ChainID, record.Sender, record.Nonce).
			Find(&siblings).Error; err != nil {
			return fmt.Errorf("queue: check nonce: %w", err)
		}
		for _, sib := range siblings {
			st := sib.State()
			if st.IsAlive() || st == status.Success {
				return fmt.Errorf("%w: nonce %d for %s held by %s (%s)", txerr.ErrIntegrity, record.Nonce, record.Sender, sib.TxHash, st)
			}
		}
		now := s.now().UTC()
		record.DateCreated = now
		record.DateUpdated = now
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("queue: insert: %w", err)
		}
		return tx.Create(&models.OtxStateLog{OtxID: record.ID, Date: now, Status: record.Status}).Error
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(string(status.EventRegister), status.Pending.String())
	s.logger.Info("transaction registered",
		slog.String("chain", record.ChainID),
		slog.String("tx_hash", record.TxHash),
		logging.MaskAddress("sender", record.Sender),
		slog.Uint64("nonce", record.Nonce))
	return &record, nil
}

// TransitionOption customises a transition.
type TransitionOption func(*transitionConfig)

type transitionConfig struct {
	block *uint64
}

// AtBlock records the block the transaction was mined in.
func AtBlock(n uint64) TransitionOption {
	return func(c *transitionConfig) { c.block = &n }
}

// Transition applies ev to the record identified by hash. Illegal transitions
// and lost races fail with txerr.ErrStateChange and leave the record and its
// log untouched.
func (s *Store) Transition(ctx context.Context, hash string, ev status.Event, opts ...TransitionOption) (*models.Otx, error) {
	cfg := transitionConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	hash = models.NormalizeHex(hash)
	var (
		updated models.Otx
		from    status.State
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.Otx
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "tx_hash = ?", hash).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: transaction %s", txerr.ErrNotFound, hash)
		}
		if err != nil {
			return fmt.Errorf("queue: load: %w", err)
		}
		from = record.State()
		to, err := status.Next(from, ev)
		if err != nil {
			return fmt.Errorf("%s: %w", hash, err)
		}
		now := s.now().UTC()
		fields := map[string]any{"status": to.Wire(), "date_updated": now}
		if cfg.block != nil {
			fields["block"] = *cfg.block
		}
		res := tx.Model(&models.Otx{}).
			Where("id = ? AND status = ?", record.ID, record.Status).
			Updates(fields)
		if res.Error != nil {
			return fmt.Errorf("queue: update: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: %s changed concurrently", txerr.ErrStateChange, hash)
		}
		if err := tx.Create(&models.OtxStateLog{OtxID: record.ID, Date: now, Status: to.Wire()}).Error; err != nil {
			return fmt.Errorf("queue: append log: %w", err)
		}
		record.Status = to.Wire()
		record.DateUpdated = now
		if cfg.block != nil {
			record.Block = cfg.block
		}
		updated = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	to := updated.State()
	s.metrics.RecordTransition(string(ev), to.String())
	s.logger.Info("transaction status changed",
		slog.String("tx_hash", hash),
		slog.String("event", string(ev)),
		slog.String("from", from.String()),
		slog.String("status", to.String()))
	return &updated, nil
}

// WaitForGas parks the transaction until its sender is funded.
func (s *Store) WaitForGas(ctx context.Context, hash string) (*models.Otx, error) {
	return s.Transition(ctx, hash, status.EventWaitForGas)
}

// ReadySend queues the transaction for submission.
func (s *Store) ReadySend(ctx context.Context, hash string) (*models.Otx, error) {
	return s.Transition(ctx, hash, status.EventReadySend)
}

// Sent records that the node accepted the transaction.
func (s *Store) Sent(ctx context.Context, hash string) (*models.Otx, error) {
	return s.Transition(ctx, hash, status.EventSent)
}

// SendFail records a failed submission.
func (s *Store) SendFail(ctx context.Context, hash string) (*models.Otx, error) {
	return s.Transition(ctx, hash, status.EventSendFail)
}

// Retry queues a failed submission for another attempt.
func (s *Store) Retry(ctx context.Context, hash string) (*models.Otx, error) {
	return s.Transition(ctx, hash, status.EventRetry)
}

// Success records a successful mined transaction.
func (s *Store) Success(ctx context.Context, hash string, block uint64) (*models.Otx, error) {
	return s.Transition(ctx, hash, status.EventSuccess, AtBlock(block))
}

// MineFail records a mined transaction whose execution reverted.
func (s *Store) MineFail(ctx context.Context, hash string, block uint64) (*models.Otx, error) {
	return s.Transition(ctx, hash, status.EventMineFail, AtBlock(block))
}

// Reject records a permanent node rejection.
func (s *Store) Reject(ctx context.Context, hash string) (*models.Otx, error) {
	return s.Transition(ctx, hash, status.EventReject)
}

// Obsolete marks the transaction superseded by a replacement.
func (s *Store) Obsolete(ctx context.Context, hash string) (*models.Otx, error) {
	return s.Transition(ctx, hash, status.EventObsolete)
}

// Override finalises the transaction by operator decision.
func (s *Store) Override(ctx context.Context, hash string) (*models.Otx, error) {
	return s.Transition(ctx, hash, status.EventOverride)
}

// Fubar abandons the transaction after an unrecoverable internal error.
func (s *Store) Fubar(ctx context.Context, hash string) (*models.Otx, error) {
	return s.Transition(ctx, hash, status.EventFubar)
}
