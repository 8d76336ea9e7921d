// Package straggler watches confirmed blocks for the nonces of local senders
// and hands transactions that fell out of the mempool to the resolver.
package straggler

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
	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/queue"
	"txqueue/services/txqueued/status"
	"txqueue/services/txqueued/txerr"
)

// Gap reports that nonces between Expected and Observed were confirmed
// without being seen.
type Gap struct {
	Address  string
	Expected uint64
	Observed uint64
}

// Findings groups records the detector wants resolved.
type Findings struct {
	// Dropped holds the lowest stale SENT record per sender above its
	// confirmed nonce.
	Dropped []models.Otx
	// Superseded holds stale SENT records whose nonce the chain already
	// consumed.
	Superseded []models.Otx
}

// Report summarises a Run.
type Report struct {
	Gaps       []Gap
	Resent     []string
	Superseded []string
}

// Resolver is the only path through which the detector changes records.
type Resolver interface {
	Resend(ctx context.Context, hash, reason string) (*models.Otx, error)
	Supersede(ctx context.Context, hash string) (*models.Otx, error)
}

// Detector tracks confirmed nonces for one chain.
type Detector struct {
	spec     chain.Spec
	db       *gorm.DB
	store    *queue.Store
	resolver Resolver
	grace    time.Duration
	batch    int
	now      func() time.Time
	metrics  *observability.TxQueueMetrics
	logger   *slog.Logger
}

// Option customises a Detector.
type Option func(*Detector)

// WithGrace sets how long a SENT record may wait before it is a straggler.
func WithGrace(d time.Duration) Option { return func(s *Detector) { s.grace = d } }

// WithBatch caps the records resolved per Run.
func WithBatch(n int) Option { return func(s *Detector) { s.batch = n } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Detector) { s.now = now } }

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.TxQueueMetrics) Option { return func(s *Detector) { s.metrics = m } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Detector) { s.logger = l } }

// New constructs a Detector.
func New(spec chain.Spec, store *queue.Store, resolver Resolver, opts ...Option) *Detector {
	d := &Detector{
		spec:     spec,
		db:       store.DB(),
		store:    store,
		resolver: resolver,
		grace:    5 * time.Minute,
		batch:    50,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.Component(d.logger, "straggler")
	return d
}

// Observe records the nonces of local senders confirmed in block and returns
// any gaps against the previously confirmed nonce. Transactions from unknown
// senders are ignored.
func (d *Detector) Observe(ctx context.Context, block *types.Block) ([]Gap, error) {
	chainID := d.spec.String()
	var gaps []Gap
	for _, tx := range block.Transactions() {
		sender, err := d.spec.Sender(tx)
		if err != nil {
			continue
		}
		addr := chain.AddressKey(sender)
		known, err := d.known(ctx, addr)
		if err != nil {
			return gaps, err
		}
		if !known {
			continue
		}
		err = d.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
			var row models.ConfirmedNonce
			err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&row, "chain_id = ? AND address = ?", chainID, addr).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				return db.Create(&models.ConfirmedNonce{ChainID: chainID, Address: addr, Nonce: tx.Nonce(), UpdatedAt: d.now().UTC()}).Error
			case err != nil:
				return err
			}
			if tx.Nonce() <= row.Nonce {
				return nil
			}
			if expected := row.Nonce + 1; tx.Nonce() > expected {
				gaps = append(gaps, Gap{Address: addr, Expected: expected, Observed: tx.Nonce()})
				d.metrics.RecordGap()
				d.logger.Warn("nonce gap observed",
					logging.MaskAddress("address", addr),
					slog.Uint64("expected", expected),
					slog.Uint64("observed", tx.Nonce()),
					slog.Uint64("block", block.NumberU64()))
			}
			return db.Model(&models.ConfirmedNonce{}).
				Where("chain_id = ? AND address = ?", chainID, addr).
				Updates(map[string]any{"nonce": tx.Nonce(), "updated_at": d.now().UTC()}).Error
		})
		if err != nil {
			return gaps, fmt.Errorf("straggler: observe %s: %w", addr, err)
		}
	}
	return gaps, nil
}

func (d *Detector) known(ctx context.Context, addr string) (bool, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&models.Otx{}).
		Where("chain_id = ? AND sender = ?", d.spec.String(), addr).
		Limit(1).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("straggler: lookup sender: %w", err)
	}
	return n > 0, nil
}

// Confirmed returns the highest nonce seen mined for address.
func (d *Detector) Confirmed(ctx context.Context, address string) (uint64, bool, error) {
	var row models.ConfirmedNonce
	err := d.db.WithContext(ctx).First(&row, "chain_id = ? AND address = ?", d.spec.String(), models.NormalizeHex(address)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.Nonce, true, nil
}

// Stalled classifies SENT records untouched for longer than the grace period.
func (d *Detector) Stalled(ctx context.Context) (Findings, error) {
	stale, err := d.store.List(ctx, queue.Filter{
		Chain:         d.spec.String(),
		States:        []status.State{status.Sent},
		UpdatedBefore: d.now().Add(-d.grace),
	})
	if err != nil {
		return Findings{}, err
	}
	var (
		out      Findings
		lowest   = make(map[string]bool)
		confirms = make(map[string]*uint64)
	)
	// stale is ordered by sender then nonce.
	for _, rec := range stale {
		cn, cached := confirms[rec.Sender]
		if !cached {
			n, ok, err := d.Confirmed(ctx, rec.Sender)
			if err != nil {
				return Findings{}, err
			}
			if ok {
				cn = &n
			}
			confirms[rec.Sender] = cn
		}
		if cn != nil && rec.Nonce <= *cn {
			out.Superseded = append(out.Superseded, rec)
			continue
		}
		if lowest[rec.Sender] {
			continue
		}
		lowest[rec.Sender] = true
		out.Dropped = append(out.Dropped, rec)
	}
	return out, nil
}

// Run observes block, then resolves up to the batch limit of stragglers.
// Per-record failures other than fatal ones are logged and skipped.
func (d *Detector) Run(ctx context.Context, block *types.Block) (Report, error) {
	var report Report
	gaps, err := d.Observe(ctx, block)
	report.Gaps = gaps
	if err != nil {
		return report, err
	}
	findings, err := d.Stalled(ctx)
	if err != nil {
		return report, err
	}
	budget := d.batch
	for _, rec := range findings.Superseded {
		if budget == 0 {
			return report, nil
		}
		budget--
		if _, err := d.resolver.Supersede(ctx, rec.TxHash); err != nil {
			if txerr.IsSeppuku(err) {
				return report, err
			}
			d.logger.Warn("supersede failed", slog.String("tx_hash", rec.TxHash), slog.String("error", err.Error()))
			continue
		}
		report.Superseded = append(report.Superseded, rec.TxHash)
	}
	for _, rec := range findings.Dropped {
		if budget == 0 {
			break
		}
		budget--
		d.metrics.RecordStraggler()
		replacement, err := d.resolver.Resend(ctx, rec.TxHash, "straggler")
		if err != nil {
			if txerr.IsSeppuku(err) {
				return report, err
			}
			d.logger.Warn("straggler resend failed", slog.String("tx_hash", rec.TxHash), slog.String("error", err.Error()))
			continue
		}
		report.Resent = append(report.Resent, rec.TxHash)
		d.logger.Info("straggler resent", slog.String("tx_hash", rec.TxHash), slog.String("replacement", replacement.TxHash))
	}
	return report, nil
}
