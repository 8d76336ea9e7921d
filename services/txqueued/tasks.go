package txqueued

import (
	"context"
	"log/slog"
	"time"

	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/pipeline"
	"txqueue/services/txqueued/queue"
	"txqueue/services/txqueued/status"
)

// Checker runs the gas gate for one record.
type Checker interface {
	Check(ctx context.Context, hash string) (status.State, error)
}

// Sender submits and resubmits records.
type Sender interface {
	Send(ctx context.Context, hash string) (*models.Otx, error)
	Retry(ctx context.Context, hash string) (*models.Otx, error)
}

// Submitter registers a signed payload, gates it on gas and sends it. The
// gate and send steps retry transient failures independently.
type Submitter struct {
	run pipeline.Step[[]byte, *models.Otx]
}

// NewSubmitter builds the register, gate and send pipeline.
func NewSubmitter(spec chain.Spec, store *queue.Store, gate Checker, sender Sender, policy pipeline.Policy, logger *slog.Logger) *Submitter {
	policy.OnRetry = func(err error, wait time.Duration) {
		logger.Info("submission step retrying", slog.Duration("wait", wait), slog.String("error", err.Error()))
	}
	register := pipeline.Step[[]byte, *models.Otx](func(ctx context.Context, raw []byte) (*models.Otx, error) {
		return store.Register(ctx, spec, raw)
	})
	check := pipeline.Retry(policy, pipeline.Step[*models.Otx, *models.Otx](func(ctx context.Context, record *models.Otx) (*models.Otx, error) {
		if record.State() != status.Pending {
			return record, nil
		}
		if _, err := gate.Check(ctx, record.TxHash); err != nil {
			return record, err
		}
		return store.Get(ctx, record.TxHash)
	}))
	send := pipeline.Retry(policy, pipeline.Step[*models.Otx, *models.Otx](func(ctx context.Context, record *models.Otx) (*models.Otx, error) {
		current, err := store.Get(ctx, record.TxHash)
		if err != nil {
			return record, err
		}
		var out *models.Otx
		switch current.State() {
		case status.ReadySend:
			out, err = sender.Send(ctx, current.TxHash)
		case status.SendFail:
			out, err = sender.Retry(ctx, current.TxHash)
		default:
			return current, nil
		}
		if err != nil {
			// Report the state the failure left behind.
			if latest, gerr := store.Get(ctx, current.TxHash); gerr == nil {
				return latest, err
			}
		}
		return out, err
	}))
	return &Submitter{run: pipeline.Then(pipeline.Then(register, check), send)}
}

// Submit runs the pipeline on raw. The returned record reflects the last
// state reached, which is WAITFORGAS when the sender awaits a refill.
func (s *Submitter) Submit(ctx context.Context, raw []byte) (*models.Otx, error) {
	return s.run(ctx, raw)
}
