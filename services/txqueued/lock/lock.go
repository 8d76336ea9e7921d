// Package lock implements admission control for the transaction queue.
//
// A lock row carries a bitmask of disabled capabilities for one scope: a whole
// chain, one address on that chain, or one transaction. Gated operations
// consult the aggregate of every matching scope, so a chain-wide flag always
// dominates address and transaction flags.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"txqueue/observability"
	"txqueue/observability/logging"
	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/txerr"
)

// Flags is a set of disabled capabilities.
type Flags uint64

// Capability flags.
const (
	// Sticky protects a row from being cleared by a plain Reset.
	Sticky Flags = 1 << iota
	// Create blocks nonce reservation.
	Create
	// Send blocks submission to the network.
	Send
	// Queue blocks registration of new transactions.
	Queue
	// Query blocks record and nonce reads through the admin API.
	Query
	// Init marks the service as bootstrapping; the gas gate is bypassed.
	Init
)

// All covers every capability except Sticky.
const All = ^Flags(0) &^ Sticky

var flagNames = []struct {
	flag Flags
	name string
}{
	{Sticky, "STICKY"},
	{Create, "CREATE"},
	{Send, "SEND"},
	{Queue, "QUEUE"},
	{Query, "QUERY"},
	{Init, "INIT"},
}

func (f Flags) String() string {
	if f == 0 {
		return "NONE"
	}
	parts := make([]string, 0, len(flagNames))
	rest := f
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
			rest &^= fn.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint64(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseFlags resolves a "|" or "," separated list of flag names.
func ParseFlags(raw string) (Flags, error) {
	var out Flags
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == '|' || r == ',' }) {
		name := strings.ToUpper(strings.TrimSpace(part))
		if name == "ALL" {
			out |= All
			continue
		}
		found := false
		for _, fn := range flagNames {
			if fn.name == name {
				out |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("lock: unknown flag %q", part)
		}
	}
	return out, nil
}

// Scope identifies the target of a lock. Empty Address selects the whole
// chain; empty TxHash selects the whole address.
type Scope struct {
	Chain   string
	Address string
	TxHash  string
}

// Global returns the chain-wide scope.
func Global(chain string) Scope { return Scope{Chain: chain} }

// ForAddress returns the scope of one address.
func ForAddress(chain, address string) Scope { return Scope{Chain: chain, Address: address} }

// ForTx returns the scope of one transaction sent by address.
func ForTx(chain, address, txHash string) Scope {
	return Scope{Chain: chain, Address: address, TxHash: txHash}
}

func (s Scope) normalise() (Scope, error) {
	s.Chain = strings.TrimSpace(s.Chain)
	if s.Chain == "" {
		return s, ErrChainRequired
	}
	if s.Address != "" {
		s.Address = models.NormalizeHex(s.Address)
	}
	if s.TxHash != "" {
		s.TxHash = models.NormalizeHex(s.TxHash)
	}
	return s, nil
}

func (s Scope) String() string {
	switch {
	case s.TxHash != "":
		return fmt.Sprintf("%s/%s/%s", s.Chain, s.Address, s.TxHash)
	case s.Address != "":
		return fmt.Sprintf("%s/%s", s.Chain, s.Address)
	default:
		return s.Chain + "/*"
	}
}

// ErrChainRequired is returned when a scope names no chain.
var ErrChainRequired = errors.New("lock: chain required")

// Registry persists lock rows.
type Registry struct {
	db      *gorm.DB
	now     func() time.Time
	metrics *observability.TxQueueMetrics
	logger  *slog.Logger
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.TxQueueMetrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// New constructs a Registry backed by db.
func New(db *gorm.DB, opts ...Option) *Registry {
	r := &Registry{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Component(r.logger, "lock")
	return r
}

// ResetOption customises Reset.
type ResetOption func(*resetConfig)

type resetConfig struct{ force bool }

// Force allows Reset to clear a sticky row.
func Force() ResetOption { return func(c *resetConfig) { c.force = true } }

// Set ORs flags into the scope's row, creating it when absent, and returns the
// resulting flags.
func (r *Registry) Set(ctx context.Context, scope Scope, flags Flags) (Flags, error) {
	var result Flags
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = r.SetTx(tx, scope, flags)
		return err
	})
	if err != nil {
		return 0, err
	}
	r.logger.Info("lock set", slog.String("scope", scope.String()), slog.String("flags", result.String()))
	return result, nil
}

// SetTx is Set inside a caller-owned transaction.
func (r *Registry) SetTx(tx *gorm.DB, scope Scope, flags Flags) (Flags, error) {
	scope, err := scope.normalise()
	if err != nil {
		return 0, err
	}
	row, err := findRow(tx, scope)
	if err != nil {
		return 0, err
	}
	if row == nil {
		row = &models.Lock{
			Blockchain:  scope.Chain,
			Address:     scope.Address,
			TxHash:      scope.TxHash,
			DateCreated: r.now().UTC(),
		}
		if scope.TxHash != "" {
			var otx models.Otx
			if err := tx.Select("id").First(&otx, "tx_hash = ?", scope.TxHash).Error; err == nil {
				row.OtxID = &otx.ID
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, fmt.Errorf("lock: resolve otx: %w", err)
			}
		}
	}
	row.Flags |= uint64(flags)
	if err := tx.Save(row).Error; err != nil {
		return 0, fmt.Errorf("lock: save: %w", err)
	}
	return Flags(row.Flags), nil
}

// Reset clears flags from the scope's row and deletes the row once empty. A
// row holding Sticky is left untouched unless Force is supplied.
func (r *Registry) Reset(ctx context.Context, scope Scope, flags Flags, opts ...ResetOption) (Flags, error) {
	var result Flags
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = r.ResetTx(tx, scope, flags, opts...)
		return err
	})
	if err != nil {
		return 0, err
	}
	r.logger.Info("lock reset", slog.String("scope", scope.String()), slog.String("flags", result.String()))
	return result, nil
}

// ResetTx is Reset inside a caller-owned transaction.
func (r *Registry) ResetTx(tx *gorm.DB, scope Scope, flags Flags, opts ...ResetOption) (Flags, error) {
	cfg := resetConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	scope, err := scope.normalise()
	if err != nil {
		return 0, err
	}
	row, err := findRow(tx, scope)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}
	current := Flags(row.Flags)
	if current&Sticky != 0 && !cfg.force {
		return current, fmt.Errorf("%w: %s is sticky", txerr.ErrLocked, scope)
	}
	current &^= flags
	if current == 0 {
		if err := tx.Delete(row).Error; err != nil {
			return 0, fmt.Errorf("lock: delete: %w", err)
		}
		return 0, nil
	}
	row.Flags = uint64(current)
	if err := tx.Save(row).Error; err != nil {
		return 0, fmt.Errorf("lock: save: %w", err)
	}
	return current, nil
}

// Check returns the subset of flags set on exactly this scope.
func (r *Registry) Check(ctx context.Context, scope Scope, flags Flags) (Flags, error) {
	scope, err := scope.normalise()
	if err != nil {
		return 0, err
	}
	row, err := findRow(r.db.WithContext(ctx), scope)
	if err != nil || row == nil {
		return 0, err
	}
	return Flags(row.Flags) & flags, nil
}

// CheckAggregate returns the subset of flags set on the chain, the address
// and the transaction scopes combined.
func (r *Registry) CheckAggregate(ctx context.Context, scope Scope, flags Flags) (Flags, error) {
	return r.CheckAggregateTx(r.db.WithContext(ctx), scope, flags)
}

// CheckAggregateTx is CheckAggregate inside a caller-owned transaction.
func (r *Registry) CheckAggregateTx(tx *gorm.DB, scope Scope, flags Flags) (Flags, error) {
	scope, err := scope.normalise()
	if err != nil {
		return 0, err
	}
	conds := []string{"(address = '' AND tx_hash = '')"}
	args := []any{scope.Chain}
	if scope.Address != "" {
		conds = append(conds, "(address = ? AND tx_hash = '')")
		args = append(args, scope.Address)
	}
	if scope.TxHash != "" {
		conds = append(conds, "tx_hash = ?")
		args = append(args, scope.TxHash)
	}
	var rows []models.Lock
	err = tx.Where("blockchain = ? AND ("+strings.Join(conds, " OR ")+")", args...).Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("lock: aggregate: %w", err)
	}
	var agg Flags
	for _, row := range rows {
		agg |= Flags(row.Flags)
	}
	return agg & flags, nil
}

// Guard fails with txerr.ErrLocked when any of flags is held for the scope.
// It runs inside the caller's transaction so the check and the gated write
// commit together.
func (r *Registry) Guard(tx *gorm.DB, scope Scope, flags Flags) error {
	held, err := r.CheckAggregateTx(tx, scope, flags)
	if err != nil {
		return err
	}
	if held != 0 {
		r.metrics.RecordLockRefusal(held.String())
		return fmt.Errorf("%w: %s held on %s", txerr.ErrLocked, held, scope)
	}
	return nil
}

func findRow(tx *gorm.DB, scope Scope) (*models.Lock, error) {
	var row models.Lock
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("blockchain = ? AND address = ? AND tx_hash = ?", scope.Chain, scope.Address, scope.TxHash).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock: load: %w", err)
	}
	return &row, nil
}
