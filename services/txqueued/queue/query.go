package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"gorm.io/gorm"

	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/status"
	"txqueue/services/txqueued/txerr"
)

// Get loads a record by hash.
func (s *Store) Get(ctx context.Context, hash string) (*models.Otx, error) {
	hash = models.NormalizeHex(hash)
	var record models.Otx
	err := s.db.WithContext(ctx).First(&record, "tx_hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: transaction %s", txerr.ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get: %w", err)
	}
	return &record, nil
}

// Status returns the current state of hash.
func (s *Store) Status(ctx context.Context, hash string) (status.State, error) {
	record, err := s.Get(ctx, hash)
	if err != nil {
		return status.Pending, err
	}
	return record.State(), nil
}

// StatusLog returns every state the record has held, oldest first.
func (s *Store) StatusLog(ctx context.Context, hash string) ([]models.OtxStateLog, error) {
	record, err := s.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	var entries []models.OtxStateLog
	if err := s.db.WithContext(ctx).Where("otx_id = ?", record.ID).Order("id asc").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("queue: status log: %w", err)
	}
	return entries, nil
}

// Filter narrows a record listing.
type Filter struct {
	Chain     string
	Sender    string
	Recipient string
	States    []status.State
	// UpdatedBefore, when set, excludes records touched at or after it.
	UpdatedBefore time.Time
	MinNonce      *uint64
	Limit         int
}

// List returns records matching f ordered by sender, nonce and insertion.
func (s *Store) List(ctx context.Context, f Filter) ([]models.Otx, error) {
	q := s.db.WithContext(ctx).Model(&models.Otx{})
	if f.Chain != "" {
		q = q.Where("chain_id = ?", f.Chain)
	}
	if f.Sender != "" {
		q = q.Where("sender = ?", models.NormalizeHex(f.Sender))
	}
	if f.Recipient != "" {
		q = q.Where("recipient = ?", models.NormalizeHex(f.Recipient))
	}
	if len(f.States) > 0 {
		wires := make([]int, 0, len(f.States))
		for _, st := range f.States {
			wires = append(wires, st.Wire())
		}
		q = q.Where("status IN ?", wires)
	}
	if !f.UpdatedBefore.IsZero() {
		q = q.Where("date_updated < ?", f.UpdatedBefore.UTC())
	}
	if f.MinNonce != nil {
		q = q.Where("nonce >= ?", *f.MinNonce)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Otx
	if err := q.Order("sender asc, nonce asc, id asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	return out, nil
}

// AliveStates lists every non-final state.
func AliveStates() []status.State {
	var out []status.State
	for _, st := range status.All() {
		if st.IsAlive() {
			out = append(out, st)
		}
	}
	return out
}

// Alive returns the non-final records of sender with nonce >= minNonce,
// lowest nonce first.
func (s *Store) Alive(ctx context.Context, chainID, sender string, minNonce uint64) ([]models.Otx, error) {
	return s.List(ctx, Filter{Chain: chainID, Sender: sender, States: AliveStates(), MinNonce: &minNonce})
}

// Decode parses the signed payload of a record.
func Decode(record *models.Otx) (*types.Transaction, error) {
	if record == nil {
		return nil, fmt.Errorf("queue: nil record")
	}
	return chain.DecodeHex(record.SignedTx)
}
