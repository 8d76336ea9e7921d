// Package dispatch submits queued transactions to the node and settles them
// from receipts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"txqueue/observability"
	"txqueue/observability/logging"
	telemetry "txqueue/observability/otel"
	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/lock"
	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/queue"
	"txqueue/services/txqueued/status"
	"txqueue/services/txqueued/txerr"
)

// Gate re-checks funding before a retried transaction is resent.
type Gate interface {
	Check(ctx context.Context, hash string) (status.State, error)
}

// Dispatcher moves READYSEND records onto the network.
type Dispatcher struct {
	spec    chain.Spec
	store   *queue.Store
	locks   *lock.Registry
	client  chain.Client
	gate    Gate
	metrics *observability.TxQueueMetrics
	logger  *slog.Logger
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithGate runs the gas gate on retried transactions.
func WithGate(g Gate) Option { return func(d *Dispatcher) { d.gate = g } }

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.TxQueueMetrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// New constructs a Dispatcher.
func New(spec chain.Spec, store *queue.Store, locks *lock.Registry, client chain.Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{spec: spec, store: store, locks: locks, client: client}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.Component(d.logger, "dispatch")
	return d
}

// Send submits the signed payload of hash. Accepted and already-known
// submissions move the record to SENT. Transient failures move it to SENDFAIL
// and return txerr.ErrTransient; node rejections move it to REJECTED and
// return txerr.ErrPermanent.
func (d *Dispatcher) Send(ctx context.Context, hash string) (rec *models.Otx, err error) {
	ctx, span := telemetry.Start(ctx, "dispatch.send", hash)
	defer func() { telemetry.End(span, err) }()

	record, err := d.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if st := record.State(); st != status.ReadySend && st != status.Sent {
		return record, fmt.Errorf("%w: cannot send %s from %s", txerr.ErrStateChange, record.TxHash, st)
	}
	if err := d.locks.Guard(d.store.DB().WithContext(ctx), lock.ForTx(record.ChainID, record.Sender, record.TxHash), lock.Send); err != nil {
		return record, err
	}
	raw, err := hexutil.Decode(record.SignedTx)
	if err != nil {
		return record, fmt.Errorf("%w: stored payload of %s: %w", txerr.ErrPermanent, record.TxHash, err)
	}

	_, sendErr := d.client.SendRawTransaction(ctx, raw)
	switch {
	case sendErr == nil, errors.Is(sendErr, chain.ErrAlreadyKnown):
		result := "sent"
		if sendErr != nil {
			result = "already_known"
		}
		d.metrics.RecordSend(result)
		if record.State() == status.Sent {
			return record, nil
		}
		return d.store.Sent(ctx, record.TxHash)
	case txerr.IsPermanent(sendErr):
		d.metrics.RecordSend("rejected")
		d.logger.Warn("node rejected transaction",
			slog.String("tx_hash", record.TxHash), slog.String("error", sendErr.Error()))
		if record.State() == status.ReadySend {
			if _, err := d.store.Reject(ctx, record.TxHash); err != nil {
				return record, errors.Join(sendErr, err)
			}
		}
		return record, fmt.Errorf("dispatch: send %s: %w", record.TxHash, sendErr)
	default:
		d.metrics.RecordSend("failed")
		d.logger.Info("submission failed, will retry",
			slog.String("tx_hash", record.TxHash), slog.String("error", sendErr.Error()))
		if _, err := d.store.SendFail(ctx, record.TxHash); err != nil {
			return record, errors.Join(sendErr, err)
		}
		if !txerr.IsTransient(sendErr) {
			sendErr = txerr.Transient(sendErr)
		}
		return record, fmt.Errorf("dispatch: send %s: %w", record.TxHash, sendErr)
	}
}

// Retry re-queues a SENDFAIL record, runs the gas gate when configured and
// resubmits it if it became ready.
func (d *Dispatcher) Retry(ctx context.Context, hash string) (*models.Otx, error) {
	record, err := d.store.Retry(ctx, hash)
	if err != nil {
		return nil, err
	}
	if d.gate != nil {
		st, err := d.gate.Check(ctx, record.TxHash)
		if err != nil {
			return record, err
		}
		if st != status.ReadySend {
			return d.store.Get(ctx, record.TxHash)
		}
	} else if _, err := d.store.ReadySend(ctx, record.TxHash); err != nil {
		return record, err
	}
	return d.Send(ctx, record.TxHash)
}

// Sync settles hash from its receipt. Without a receipt the record is left
// untouched. Records that were never marked SENT are walked through the legal
// path first so the state log stays contiguous.
func (d *Dispatcher) Sync(ctx context.Context, hash string) (*models.Otx, error) {
	record, err := d.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	receipt, err := d.client.TransactionReceipt(ctx, common.HexToHash(record.TxHash))
	if errors.Is(err, ethereum.NotFound) {
		return record, nil
	}
	if err != nil {
		return record, err
	}
	return d.settle(ctx, record, receipt)
}

func (d *Dispatcher) settle(ctx context.Context, record *models.Otx, receipt *types.Receipt) (*models.Otx, error) {
	if record.State().IsTerminal() {
		if record.State() != status.Success && receipt.Status == types.ReceiptStatusSuccessful {
			d.logger.Warn("final record mined", slog.String("tx_hash", record.TxHash), slog.String("status", record.State().String()))
		}
		return record, nil
	}
	current := record
	for _, ev := range []status.Event{status.EventRetry, status.EventReadySend, status.EventSent} {
		if current.State() == status.Sent {
			break
		}
		if !status.Can(current.State(), ev) {
			continue
		}
		next, err := d.store.Transition(ctx, current.TxHash, ev)
		if err != nil {
			return current, err
		}
		current = next
	}
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return d.store.Success(ctx, current.TxHash, block)
	}
	return d.store.MineFail(ctx, current.TxHash, block)
}

// SettleReceipt applies an already fetched receipt to the record it names.
// Unknown hashes are ignored.
func (d *Dispatcher) SettleReceipt(ctx context.Context, receipt *types.Receipt) (*models.Otx, error) {
	record, err := d.store.Get(ctx, chain.HashKey(receipt.TxHash))
	if errors.Is(err, txerr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d.settle(ctx, record, receipt)
}

// Flush gates up to limit PENDING records when a gate is configured, sends up
// to limit READYSEND records and retries up to limit SENDFAIL records on the
// dispatcher's chain. Per-record failures are logged and do not stop the
// pass; it returns how many records reached SENT.
func (d *Dispatcher) Flush(ctx context.Context, limit int) (int, error) {
	if d.gate != nil {
		pending, err := d.store.List(ctx, queue.Filter{Chain: d.spec.String(), States: []status.State{status.Pending}, Limit: limit})
		if err != nil {
			return 0, err
		}
		for _, record := range pending {
			_, err := d.gate.Check(ctx, record.TxHash)
			if err := d.tolerate(record.TxHash, err); err != nil {
				return 0, err
			}
		}
	}
	sent := 0
	ready, err := d.store.List(ctx, queue.Filter{Chain: d.spec.String(), States: []status.State{status.ReadySend}, Limit: limit})
	if err != nil {
		return 0, err
	}
	for _, record := range ready {
		out, err := d.Send(ctx, record.TxHash)
		if err := d.tolerate(record.TxHash, err); err != nil {
			return sent, err
		}
		if err == nil && out.State() == status.Sent {
			sent++
		}
	}
	failed, err := d.store.List(ctx, queue.Filter{Chain: d.spec.String(), States: []status.State{status.SendFail}, Limit: limit})
	if err != nil {
		return sent, err
	}
	for _, record := range failed {
		out, err := d.Retry(ctx, record.TxHash)
		if err := d.tolerate(record.TxHash, err); err != nil {
			return sent, err
		}
		if err == nil && out.State() == status.Sent {
			sent++
		}
	}
	return sent, nil
}

// tolerate swallows per-record failures that the next pass will revisit.
func (d *Dispatcher) tolerate(hash string, err error) error {
	if err == nil {
		return nil
	}
	switch txerr.KindOf(err) {
	case txerr.KindTransient, txerr.KindPermanent, txerr.KindCaller:
		d.logger.Debug("flush skipped transaction", slog.String("tx_hash", hash), slog.String("error", err.Error()))
		return nil
	default:
		return err
	}
}
