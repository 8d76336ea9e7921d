// Package nonce assigns per-address transaction nonces and tracks short-lived
// reservations bound to caller correlation keys.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"txqueue/observability"
	"txqueue/observability/logging"
	"txqueue/services/txqueued/lock"
	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/txerr"
)

// Reservation is a nonce bound to a correlation key.
type Reservation struct {
	Key     string
	Address string
	Nonce   uint64
	Created time.Time
}

// Ledger is the persistent nonce counter store.
type Ledger struct {
	db      *gorm.DB
	locks   *lock.Registry
	chain   string
	now     func() time.Time
	metrics *observability.TxQueueMetrics
	logger  *slog.Logger

	// addrLocks serialises callers for the same address within the process so
	// that backends without row locks still observe strict sequencing.
	addrLocks sync.Map
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithLocks gates reservations on the lock registry's CREATE flag for chain.
func WithLocks(reg *lock.Registry, chain string) Option {
	return func(l *Ledger) {
		l.locks = reg
		l.chain = chain
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.TxQueueMetrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// NewLedger constructs a Ledger backed by db.
func NewLedger(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{db: db, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.Component(l.logger, "nonce")
	return l
}

var (
	// ErrAddressRequired is returned when the address is blank.
	ErrAddressRequired = errors.New("nonce: address required")
	// ErrKeyRequired is returned when the correlation key is blank.
	ErrKeyRequired = errors.New("nonce: correlation key required")
)

func (l *Ledger) lockAddress(address string) func() {
	mu, _ := l.addrLocks.LoadOrStore(address, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func normaliseAddress(address string) (string, error) {
	addr := models.NormalizeHex(address)
	if addr == "" {
		return "", ErrAddressRequired
	}
	return addr, nil
}

// Init creates the counter for address starting at start. It fails with
// txerr.ErrInitialization when the address already has a counter.
func (l *Ledger) Init(ctx context.Context, address string, start uint64) error {
	addr, err := normaliseAddress(address)
	if err != nil {
		return err
	}
	defer l.lockAddress(addr)()
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, found, err := loadCounter(tx, addr)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: nonce for %s already initialised", txerr.ErrInitialization, addr)
		}
		return tx.Create(&models.Nonce{AddressHex: addr, Nonce: start}).Error
	})
	l.metrics.RecordNonce("init", err)
	return err
}

// Next returns the next nonce for an initialised address and advances the
// counter. Uninitialised addresses fail with txerr.ErrInitialization.
func (l *Ledger) Next(ctx context.Context, address string) (uint64, error) {
	return l.next(ctx, address, nil, "", nil)
}

// NextOrInit is Next, creating the counter at defaultIfAbsent when missing.
func (l *Ledger) NextOrInit(ctx context.Context, address string, defaultIfAbsent uint64) (uint64, error) {
	return l.next(ctx, address, &defaultIfAbsent, "", nil)
}

// Reserve advances the counter and binds the returned nonce to key in one
// transaction. Reusing a key that has not been released fails with
// txerr.ErrIntegrity.
func (l *Ledger) Reserve(ctx context.Context, address, key string) (uint64, error) {
	if strings.TrimSpace(key) == "" {
		return 0, ErrKeyRequired
	}
	return l.next(ctx, address, nil, key, nil)
}

// ReserveOrInit is Reserve with get-or-init semantics for the counter.
func (l *Ledger) ReserveOrInit(ctx context.Context, address, key string, defaultIfAbsent uint64) (uint64, error) {
	if strings.TrimSpace(key) == "" {
		return 0, ErrKeyRequired
	}
	return l.next(ctx, address, &defaultIfAbsent, key, nil)
}

// Assign advances the counter of an initialised address and passes the
// assigned nonce to within, inside the same transaction. An error from within
// rolls the counter back, so the nonce is consumed only when the caller's
// writes commit with it.
func (l *Ledger) Assign(ctx context.Context, address string, within func(tx *gorm.DB, nonce uint64) error) (uint64, error) {
	if within == nil {
		return 0, fmt.Errorf("nonce: assign requires a callback")
	}
	return l.next(ctx, address, nil, "", within)
}

func (l *Ledger) next(ctx context.Context, address string, initial *uint64, key string, within func(*gorm.DB, uint64) error) (uint64, error) {
	addr, err := normaliseAddress(address)
	if err != nil {
		return 0, err
	}
	key = strings.TrimSpace(key)
	op := "next"
	switch {
	case key != "":
		op = "reserve"
	case within != nil:
		op = "assign"
	}
	defer l.lockAddress(addr)()

	var assigned uint64
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if l.locks != nil {
			if err := l.locks.Guard(tx, lock.ForAddress(l.chain, addr), lock.Create); err != nil {
				return err
			}
		}
		counter, found, err := loadCounter(tx, addr)
		if err != nil {
			return err
		}
		if !found {
			if initial == nil {
				return fmt.Errorf("%w: nonce for %s not initialised", txerr.ErrInitialization, addr)
			}
			counter = &models.Nonce{AddressHex: addr, Nonce: *initial}
		}
		assigned = counter.Nonce
		counter.Nonce++
		if err := tx.Save(counter).Error; err != nil {
			return fmt.Errorf("nonce: save counter: %w", err)
		}
		if within != nil {
			return within(tx, assigned)
		}
		if key == "" {
			return nil
		}
		var existing int64
		if err := tx.Model(&models.NonceTaskReservation{}).Where(&models.NonceTaskReservation{Key: key}).Count(&existing).Error; err != nil {
			return fmt.Errorf("nonce: check key: %w", err)
		}
		if existing > 0 {
			return fmt.Errorf("%w: reservation key %q already in use", txerr.ErrIntegrity, key)
		}
		return tx.Create(&models.NonceTaskReservation{
			Key:         key,
			AddressHex:  addr,
			Nonce:       assigned,
			DateCreated: l.now().UTC(),
		}).Error
	})
	l.metrics.RecordNonce(op, err)
	if err != nil {
		return 0, err
	}
	l.logger.Debug("nonce assigned", logging.MaskAddress("address", addr), slog.Uint64("nonce", assigned), slog.String("op", op))
	return assigned, nil
}

// Release consumes the reservation for key and returns it. Unknown keys fail
// with txerr.ErrIntegrity.
func (l *Ledger) Release(ctx context.Context, key string) (Reservation, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Reservation{}, ErrKeyRequired
	}
	var out Reservation
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.NonceTaskReservation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(&models.NonceTaskReservation{Key: key}).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: unknown reservation key %q", txerr.ErrIntegrity, key)
		}
		if err != nil {
			return fmt.Errorf("nonce: load reservation: %w", err)
		}
		if err := tx.Delete(&row).Error; err != nil {
			return fmt.Errorf("nonce: delete reservation: %w", err)
		}
		out = Reservation{Key: row.Key, Address: row.AddressHex, Nonce: row.Nonce, Created: row.DateCreated}
		return nil
	})
	l.metrics.RecordNonce("release", err)
	return out, err
}

// Reservations lists outstanding reservations for address, oldest first.
func (l *Ledger) Reservations(ctx context.Context, address string) ([]Reservation, error) {
	addr, err := normaliseAddress(address)
	if err != nil {
		return nil, err
	}
	var rows []models.NonceTaskReservation
	if err := l.db.WithContext(ctx).Where("address_hex = ?", addr).Order("nonce asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("nonce: list reservations: %w", err)
	}
	out := make([]Reservation, 0, len(rows))
	for _, row := range rows {
		out = append(out, Reservation{Key: row.Key, Address: row.AddressHex, Nonce: row.Nonce, Created: row.DateCreated})
	}
	return out, nil
}

// Peek returns the next nonce that would be assigned without advancing it.
func (l *Ledger) Peek(ctx context.Context, address string) (uint64, bool, error) {
	addr, err := normaliseAddress(address)
	if err != nil {
		return 0, false, err
	}
	var row models.Nonce
	err = l.db.WithContext(ctx).First(&row, "address_hex = ?", addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("nonce: peek: %w", err)
	}
	return row.Nonce, true, nil
}

// Sync raises the counter to at least floor, typically the pending nonce the
// chain reports for the address. The counter never moves backwards. It returns
// the stored value after the update.
func (l *Ledger) Sync(ctx context.Context, address string, floor uint64) (uint64, error) {
	addr, err := normaliseAddress(address)
	if err != nil {
		return 0, err
	}
	defer l.lockAddress(addr)()
	var stored uint64
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counter, found, err := loadCounter(tx, addr)
		if err != nil {
			return err
		}
		if !found {
			counter = &models.Nonce{AddressHex: addr, Nonce: floor}
		} else if counter.Nonce >= floor {
			stored = counter.Nonce
			return nil
		} else {
			counter.Nonce = floor
		}
		stored = counter.Nonce
		return tx.Save(counter).Error
	})
	l.metrics.RecordNonce("sync", err)
	return stored, err
}

// Rewind runs within and lowers the counter of address to to, in one
// transaction under the address lock. A counter already at or below to, or a
// missing counter, is left alone. Outstanding reservations at or above to fail
// the rewind with txerr.ErrIntegrity, as their holders would collide with the
// nonces handed out next. It returns the counter after the call.
func (l *Ledger) Rewind(ctx context.Context, address string, to uint64, within func(tx *gorm.DB) error) (uint64, error) {
	addr, err := normaliseAddress(address)
	if err != nil {
		return 0, err
	}
	defer l.lockAddress(addr)()
	var stored uint64
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if within != nil {
			if err := within(tx); err != nil {
				return err
			}
		}
		counter, found, err := loadCounter(tx, addr)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		stored = counter.Nonce
		if counter.Nonce <= to {
			return nil
		}
		var held int64
		if err := tx.Model(&models.NonceTaskReservation{}).
			Where("address_hex = ? AND nonce >= ?", addr, to).
			Count(&held).Error; err != nil {
			return fmt.Errorf("nonce: check reservations: %w", err)
		}
		if held > 0 {
			return fmt.Errorf("%w: %d reservation(s) for %s at or above nonce %d still outstanding", txerr.ErrIntegrity, held, addr, to)
		}
		counter.Nonce = to
		stored = to
		return tx.Save(counter).Error
	})
	l.metrics.RecordNonce("rewind", err)
	if err != nil {
		return 0, err
	}
	l.logger.Info("nonce counter rewound", logging.MaskAddress("address", addr), slog.Uint64("next", stored))
	return stored, nil
}

func loadCounter(tx *gorm.DB, addr string) (*models.Nonce, bool, error) {
	var row models.Nonce
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "address_hex = ?", addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("nonce: load counter: %w", err)
	}
	return &row, true, nil
}
