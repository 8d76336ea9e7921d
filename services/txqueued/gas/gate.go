// Package gas implements the pre-flight funding gate for outgoing
// transactions and the refill trigger for underfunded senders.
package gas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"txqueue/observability"
	"txqueue/observability/logging"
	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/lock"
	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/queue"
	"txqueue/services/txqueued/roles"
	"txqueue/services/txqueued/status"
	"txqueue/services/txqueued/txerr"
)

// Config holds the three scalars whose product is the minimum balance the
// gas provider must keep. None has a default.
type Config struct {
	HolderMinimumUnits *uint256.Int
	RefillThreshold    *uint256.Int
	MinFeePrice        *uint256.Int
}

// ParseConfig parses decimal strings into a Config.
func ParseConfig(units, threshold, feePrice string) (Config, error) {
	parse := func(name, raw string) (*uint256.Int, error) {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			return nil, fmt.Errorf("gas: %s must be configured", name)
		}
		v, err := uint256.FromDecimal(trimmed)
		if err != nil {
			return nil, fmt.Errorf("gas: parse %s %q: %w", name, raw, err)
		}
		return v, nil
	}
	var (
		cfg Config
		err error
	)
	if cfg.HolderMinimumUnits, err = parse("holder_minimum_units", units); err != nil {
		return Config{}, err
	}
	if cfg.RefillThreshold, err = parse("refill_threshold", threshold); err != nil {
		return Config{}, err
	}
	if cfg.MinFeePrice, err = parse("min_fee_price", feePrice); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Minimum returns units * threshold * price, failing on overflow.
func (c Config) Minimum() (*uint256.Int, error) {
	if c.HolderMinimumUnits == nil || c.RefillThreshold == nil || c.MinFeePrice == nil {
		return nil, fmt.Errorf("%w: gas minimum scalars missing", txerr.ErrInitialization)
	}
	partial, overflow := new(uint256.Int).MulOverflow(c.HolderMinimumUnits, c.RefillThreshold)
	if overflow {
		return nil, fmt.Errorf("%w: gas minimum overflows", txerr.ErrInitialization)
	}
	total, overflow := new(uint256.Int).MulOverflow(partial, c.MinFeePrice)
	if overflow {
		return nil, fmt.Errorf("%w: gas minimum overflows", txerr.ErrInitialization)
	}
	return total, nil
}

// Refiller schedules a funding transfer from the gas provider.
type Refiller interface {
	Refill(ctx context.Context, recipient common.Address, amount *big.Int) (*models.Otx, error)
}

// Gate decides whether a transaction may be sent or must wait for funding.
type Gate struct {
	spec     chain.Spec
	minimum  *big.Int
	store    *queue.Store
	locks    *lock.Registry
	roles    *roles.Registry
	client   chain.Client
	refiller Refiller

	healthAttempts uint64
	healthDelay    time.Duration
	metrics        *observability.TxQueueMetrics
	logger         *slog.Logger
}

// Option customises a Gate.
type Option func(*Gate)

// WithRefiller sets the refill scheduler.
func WithRefiller(r Refiller) Option { return func(g *Gate) { g.refiller = r } }

// WithHealthRetry sets the attempt cap and delay of Health.
func WithHealthRetry(attempts int, delay time.Duration) Option {
	return func(g *Gate) {
		if attempts > 0 {
			g.healthAttempts = uint64(attempts)
		}
		g.healthDelay = delay
	}
}

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.TxQueueMetrics) Option { return func(g *Gate) { g.metrics = m } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

// NewGate constructs a Gate for one chain.
func NewGate(cfg Config, spec chain.Spec, store *queue.Store, locks *lock.Registry, rr *roles.Registry, client chain.Client, opts ...Option) (*Gate, error) {
	minimum, err := cfg.Minimum()
	if err != nil {
		return nil, err
	}
	g := &Gate{
		spec:           spec,
		minimum:        minimum.ToBig(),
		store:          store,
		locks:          locks,
		roles:          rr,
		client:         client,
		healthAttempts: 3,
		healthDelay:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.Component(g.logger, "gas")
	return g, nil
}

// Minimum returns the configured provider minimum in wei.
func (g *Gate) Minimum() *big.Int { return new(big.Int).Set(g.minimum) }

// GasProvider resolves the GAS_GIFTER role.
func (g *Gate) GasProvider(ctx context.Context) (common.Address, error) {
	return g.roles.Get(ctx, models.RoleGasGifter)
}

// CheckMinimum reports whether provider holds at least threshold.
func (g *Gate) CheckMinimum(ctx context.Context, provider common.Address, threshold *big.Int) (bool, error) {
	balance, err := g.client.BalanceAt(ctx, provider, nil)
	if err != nil {
		return false, err
	}
	g.metrics.SetProviderBalance(balance)
	return balance.Cmp(threshold) >= 0, nil
}

func (g *Gate) initLocked(ctx context.Context, address string) (bool, error) {
	held, err := g.locks.CheckAggregate(ctx, lock.ForAddress(g.spec.String(), address), lock.Init)
	if err != nil {
		return false, err
	}
	return held != 0, nil
}

// Check runs the gate for hash. Funded transactions move to READYSEND;
// underfunded ones move to WAITFORGAS and a refill is scheduled unless one is
// already in flight. Under the INIT lock the gate is bypassed.
func (g *Gate) Check(ctx context.Context, hash string) (status.State, error) {
	record, err := g.store.Get(ctx, hash)
	if err != nil {
		return status.Pending, err
	}
	current := record.State()
	if current == status.ReadySend {
		return current, nil
	}

	bypass, err := g.initLocked(ctx, record.Sender)
	if err != nil {
		return current, err
	}
	if bypass {
		g.logger.Debug("gas gate bypassed by init lock", slog.String("tx_hash", record.TxHash))
		return g.moveTo(ctx, record, status.EventReadySend)
	}

	signed, err := queue.Decode(record)
	if err != nil {
		return current, fmt.Errorf("%w: %w", txerr.ErrPermanent, err)
	}
	sender := common.HexToAddress(record.Sender)
	need := signed.Cost()

	provider, perr := g.GasProvider(ctx)
	isProvider := perr == nil && provider == sender
	if isProvider && need.Cmp(g.minimum) < 0 {
		need = new(big.Int).Set(g.minimum)
	}

	balance, err := g.client.BalanceAt(ctx, sender, nil)
	if err != nil {
		return current, err
	}
	if isProvider {
		g.metrics.SetProviderBalance(balance)
	}
	if balance.Cmp(need) >= 0 {
		return g.moveTo(ctx, record, status.EventReadySend)
	}

	next, err := g.moveTo(ctx, record, status.EventWaitForGas)
	if err != nil {
		return next, err
	}
	switch {
	case perr != nil:
		g.metrics.RecordRefill("no_provider")
		g.logger.Warn("cannot refill without gas provider", slog.String("tx_hash", record.TxHash), slog.String("error", perr.Error()))
	case isProvider:
		g.metrics.RecordRefill("provider_low")
		g.logger.Error("gas provider below minimum", slog.String("tx_hash", record.TxHash),
			slog.String("balance", balance.String()), slog.String("minimum", g.minimum.String()))
	default:
		if err := g.refill(ctx, provider, sender, need, balance); err != nil && !errors.Is(err, txerr.ErrAlreadyFilling) {
			return next, err
		}
	}
	return next, nil
}

func (g *Gate) moveTo(ctx context.Context, record *models.Otx, ev status.Event) (status.State, error) {
	if ev == status.EventWaitForGas && record.State() == status.WaitForGas {
		return status.WaitForGas, nil
	}
	updated, err := g.store.Transition(ctx, record.TxHash, ev)
	if err != nil {
		return record.State(), err
	}
	return updated.State(), nil
}

// refill tops sender up by the shortfall, or by the holder minimum when that
// is larger.
func (g *Gate) refill(ctx context.Context, provider, sender common.Address, need, balance *big.Int) error {
	inflight, err := g.store.List(ctx, queue.Filter{
		Chain:     g.spec.String(),
		Sender:    chain.AddressKey(provider),
		Recipient: chain.AddressKey(sender),
		States:    queue.AliveStates(),
		Limit:     1,
	})
	if err != nil {
		return err
	}
	if len(inflight) > 0 {
		g.metrics.RecordRefill("already_filling")
		g.logger.Info("refill already in flight", logging.MaskAddress("recipient", chain.AddressKey(sender)), slog.String("tx_hash", inflight[0].TxHash))
		return fmt.Errorf("%w: %s", txerr.ErrAlreadyFilling, inflight[0].TxHash)
	}
	if g.refiller == nil {
		g.metrics.RecordRefill("no_refiller")
		g.logger.Warn("refill needed but no refiller configured", logging.MaskAddress("recipient", chain.AddressKey(sender)))
		return nil
	}
	amount := new(big.Int).Sub(need, balance)
	if amount.Cmp(g.minimum) < 0 {
		amount = new(big.Int).Set(g.minimum)
	}
	record, err := g.refiller.Refill(ctx, sender, amount)
	if err != nil {
		g.metrics.RecordRefill("error")
		return fmt.Errorf("gas: refill %s: %w", sender.Hex(), err)
	}
	g.metrics.RecordRefill("scheduled")
	g.logger.Info("refill scheduled", logging.MaskAddress("recipient", chain.AddressKey(sender)),
		slog.String("amount", amount.String()), slog.String("tx_hash", record.TxHash))
	return nil
}

// Resume re-runs the gate for every transaction of address parked in
// WAITFORGAS and returns how many became ready.
func (g *Gate) Resume(ctx context.Context, address common.Address) (int, error) {
	waiting, err := g.store.List(ctx, queue.Filter{
		Chain:  g.spec.String(),
		Sender: chain.AddressKey(address),
		States: []status.State{status.WaitForGas},
	})
	if err != nil {
		return 0, err
	}
	ready := 0
	for _, record := range waiting {
		st, err := g.Check(ctx, record.TxHash)
		if err != nil {
			return ready, err
		}
		if st == status.ReadySend {
			ready++
		}
	}
	if ready > 0 {
		g.logger.Info("resumed transactions after funding", logging.MaskAddress("address", chain.AddressKey(address)), slog.Int("count", ready))
	}
	return ready, nil
}

// Health reports whether the gas provider holds the configured minimum. It is
// skipped under the INIT lock. Transient balance failures are retried a few
// times at a short fixed interval.
func (g *Gate) Health(ctx context.Context) error {
	held, err := g.locks.CheckAggregate(ctx, lock.Global(g.spec.String()), lock.Init)
	if err != nil {
		return err
	}
	if held != 0 {
		return nil
	}
	provider, err := g.GasProvider(ctx)
	if err != nil {
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(g.healthDelay), g.healthAttempts-1),
		ctx,
	)
	ok, err := backoff.RetryWithData(func() (bool, error) {
		ok, err := g.CheckMinimum(ctx, provider, g.minimum)
		if err != nil && !txerr.IsTransient(err) {
			return false, backoff.Permanent(err)
		}
		return ok, err
	}, policy)
	if err != nil {
		return fmt.Errorf("gas: provider balance: %w", err)
	}
	if !ok {
		return fmt.Errorf("gas: provider %s below minimum %s", provider.Hex(), g.minimum)
	}
	return nil
}
