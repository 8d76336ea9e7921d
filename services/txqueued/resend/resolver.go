// Package resend replaces stuck transactions with higher priced copies and
// pulls transactions out of an address's nonce sequence.
package resend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"gorm.io/gorm"

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

// ErrPriceCap is returned when a bump would exceed the configured ceiling.
var ErrPriceCap = errors.New("resend: gas price cap reached")

// Policy controls how replacement prices are derived.
type Policy struct {
	// Factor multiplies the old price and must be greater than one.
	Factor float64
	// FloorBump is added instead when the multiplied price does not grow.
	FloorBump *big.Int
	// MaxPrice, when set, caps the replacement fee cap.
	MaxPrice *big.Int
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if !(p.Factor > 1) {
		return fmt.Errorf("resend: factor must be greater than 1, got %v", p.Factor)
	}
	if p.FloorBump == nil || p.FloorBump.Sign() <= 0 {
		return errors.New("resend: floor bump must be positive")
	}
	if p.MaxPrice != nil && p.MaxPrice.Sign() <= 0 {
		return errors.New("resend: max price must be positive when set")
	}
	return nil
}

// Bump returns ceil(old * Factor), or old + FloorBump when that is not
// strictly greater than old.
func (p Policy) Bump(old *big.Int) (*big.Int, error) {
	factor, ok := new(big.Rat).SetString(strconv.FormatFloat(p.Factor, 'f', -1, 64))
	if !ok {
		return nil, fmt.Errorf("resend: invalid factor %v", p.Factor)
	}
	product := new(big.Rat).Mul(new(big.Rat).SetInt(old), factor)
	bumped, rem := new(big.Int).QuoRem(product.Num(), product.Denom(), new(big.Int))
	if rem.Sign() > 0 {
		bumped.Add(bumped, big.NewInt(1))
	}
	if bumped.Cmp(old) <= 0 {
		bumped = new(big.Int).Add(old, p.FloorBump)
	}
	if _, overflow := uint256.FromBig(bumped); overflow {
		return nil, fmt.Errorf("%w: bumped price overflows 256 bits", txerr.ErrPermanent)
	}
	if p.MaxPrice != nil && bumped.Cmp(p.MaxPrice) > 0 {
		return nil, fmt.Errorf("%w: %w: %s > %s", txerr.ErrPermanent, ErrPriceCap, bumped, p.MaxPrice)
	}
	return bumped, nil
}

// Gate runs the gas gate on a freshly registered replacement.
type Gate interface {
	Check(ctx context.Context, hash string) (status.State, error)
}

// Sender submits a READYSEND record.
type Sender interface {
	Send(ctx context.Context, hash string) (*models.Otx, error)
}

// NonceRewinder lowers a sender's nonce counter in the transaction that
// retires the shifted records.
type NonceRewinder interface {
	Rewind(ctx context.Context, address string, to uint64, within func(tx *gorm.DB) error) (uint64, error)
}

// Resolver implements resend and nonce shifting for one chain.
type Resolver struct {
	spec    chain.Spec
	policy  Policy
	store   *queue.Store
	locks   *lock.Registry
	signer  chain.Signer
	gate    Gate
	sender  Sender
	nonces  NonceRewinder
	metrics *observability.TxQueueMetrics
	logger  *slog.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithGate runs replacements through the gas gate before sending.
func WithGate(g Gate) Option { return func(r *Resolver) { r.gate = g } }

// WithSender submits replacements once they are ready.
func WithSender(s Sender) Option { return func(r *Resolver) { r.sender = s } }

// WithNonces rewinds the sender's nonce counter on ShiftNonce.
func WithNonces(n NonceRewinder) Option { return func(r *Resolver) { r.nonces = n } }

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.TxQueueMetrics) Option { return func(r *Resolver) { r.metrics = m } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Resolver) { r.logger = l } }

// New constructs a Resolver. signer may be nil, in which case every resend
// fails with txerr.ErrRoleMissing.
func New(spec chain.Spec, policy Policy, store *queue.Store, locks *lock.Registry, signer chain.Signer, opts ...Option) (*Resolver, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	r := &Resolver{spec: spec, policy: policy, store: store, locks: locks, signer: signer}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Component(r.logger, "resend")
	return r, nil
}

// ResendWithHigherGas replaces hash with a copy at the same nonce and a higher
// price, requested by an operator.
func (r *Resolver) ResendWithHigherGas(ctx context.Context, hash string) (*models.Otx, error) {
	return r.Resend(ctx, hash, "manual")
}

// Resend replaces hash with a higher priced copy and submits it. The old
// record is obsoleted and the replacement registered in one database
// transaction. reason labels the metrics.
func (r *Resolver) Resend(ctx context.Context, hash, reason string) (rec *models.Otx, err error) {
	ctx, span := telemetry.Start(ctx, "resend.resend", hash)
	defer func() {
		r.metrics.RecordResend(reason, err)
		telemetry.End(span, err)
	}()

	old, err := r.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if old.State().IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", txerr.ErrStateChange, old.TxHash, old.State())
	}
	original, err := queue.Decode(old)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", txerr.ErrPermanent, err)
	}
	from := common.HexToAddress(old.Sender)
	if r.signer == nil || !r.signer.Has(from) {
		return nil, fmt.Errorf("%w: cannot re-sign for %s", txerr.ErrRoleMissing, from.Hex())
	}
	unsigned, err := r.bumped(original)
	if err != nil {
		return nil, err
	}
	signed, err := r.signer.SignTx(ctx, from, unsigned, r.spec.BigID())
	if err != nil {
		return nil, err
	}

	var replacement *models.Otx
	err = r.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := r.store.WithTx(tx)
		if _, err := store.Obsolete(ctx, old.TxHash); err != nil {
			return err
		}
		created, err := store.RegisterTx(ctx, r.spec, signed)
		if err != nil {
			return err
		}
		replacement = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("transaction replaced",
		slog.String("tx_hash", old.TxHash),
		slog.String("replacement", replacement.TxHash),
		slog.Uint64("nonce", replacement.Nonce),
		slog.String("gas_price", replacement.GasPrice),
		slog.String("reason", reason))

	return r.submit(ctx, replacement)
}

func (r *Resolver) submit(ctx context.Context, record *models.Otx) (*models.Otx, error) {
	var st status.State
	if r.gate != nil {
		var err error
		if st, err = r.gate.Check(ctx, record.TxHash); err != nil {
			return record, err
		}
	} else {
		updated, err := r.store.ReadySend(ctx, record.TxHash)
		if err != nil {
			return record, err
		}
		st = updated.State()
	}
	if st != status.ReadySend || r.sender == nil {
		return r.store.Get(ctx, record.TxHash)
	}
	sent, err := r.sender.Send(ctx, record.TxHash)
	if err != nil {
		current, getErr := r.store.Get(ctx, record.TxHash)
		if getErr != nil {
			return record, errors.Join(err, getErr)
		}
		return current, err
	}
	return sent, nil
}

// bumped copies tx with raised prices. Dynamic fee transactions raise both the
// tip and the fee cap.
func (r *Resolver) bumped(tx *types.Transaction) (*types.Transaction, error) {
	switch tx.Type() {
	case types.LegacyTxType:
		price, err := r.policy.Bump(tx.GasPrice())
		if err != nil {
			return nil, err
		}
		return types.NewTx(&types.LegacyTx{
			Nonce: tx.Nonce(), GasPrice: price, Gas: tx.Gas(),
			To: tx.To(), Value: tx.Value(), Data: tx.Data(),
		}), nil
	case types.AccessListTxType:
		price, err := r.policy.Bump(tx.GasPrice())
		if err != nil {
			return nil, err
		}
		return types.NewTx(&types.AccessListTx{
			ChainID: r.spec.BigID(), Nonce: tx.Nonce(), GasPrice: price, Gas: tx.Gas(),
			To: tx.To(), Value: tx.Value(), Data: tx.Data(), AccessList: tx.AccessList(),
		}), nil
	case types.DynamicFeeTxType:
		tip, err := r.policy.Bump(tx.GasTipCap())
		if err != nil {
			return nil, err
		}
		feeCap, err := r.policy.Bump(tx.GasFeeCap())
		if err != nil {
			return nil, err
		}
		if tip.Cmp(feeCap) > 0 {
			tip = new(big.Int).Set(feeCap)
		}
		return types.NewTx(&types.DynamicFeeTx{
			ChainID: r.spec.BigID(), Nonce: tx.Nonce(), GasTipCap: tip, GasFeeCap: feeCap, Gas: tx.Gas(),
			To: tx.To(), Value: tx.Value(), Data: tx.Data(), AccessList: tx.AccessList(),
		}), nil
	default:
		return nil, fmt.Errorf("%w: cannot resend transaction type %d", txerr.ErrPermanent, tx.Type())
	}
}

// ShiftResult describes the outcome of ShiftNonce. NextNonce is the sender's
// counter after the shift and is only set when the resolver manages nonces.
type ShiftResult struct {
	Overridden string
	Obsoleted  []string
	NextNonce  *uint64
}

// ShiftNonce pulls hash out of its sender's sequence. The target is
// overridden and every alive record of the same sender with a higher nonce is
// obsoleted, lowest nonce first, in one database transaction. With a nonce
// rewinder the same transaction lowers the sender's counter to the target
// nonce, so the next reservation refills the freed slot. QUEUE and SEND are
// held on the sender for the duration and only the flags this call added are
// released afterwards. Callers re-reserve nonces for any replacements.
func (r *Resolver) ShiftNonce(ctx context.Context, hash string) (res ShiftResult, err error) {
	ctx, span := telemetry.Start(ctx, "resend.shift_nonce", hash)
	defer func() { telemetry.End(span, err) }()

	target, err := r.store.Get(ctx, hash)
	if err != nil {
		return ShiftResult{}, err
	}
	if target.State().IsTerminal() {
		return ShiftResult{}, fmt.Errorf("%w: %s is %s", txerr.ErrStateChange, target.TxHash, target.State())
	}

	scope := lock.ForAddress(target.ChainID, target.Sender)
	const shiftFlags = lock.Queue | lock.Send
	held, err := r.locks.Check(ctx, scope, shiftFlags)
	if err != nil {
		return ShiftResult{}, err
	}
	added := shiftFlags &^ held
	if added != 0 {
		if _, err := r.locks.Set(ctx, scope, added); err != nil {
			return ShiftResult{}, err
		}
		defer func() {
			if _, resetErr := r.locks.Reset(context.WithoutCancel(ctx), scope, added, lock.Force()); resetErr != nil {
				err = errors.Join(err, resetErr)
			}
		}()
	}

	shift := func(tx *gorm.DB) error {
		store := r.store.WithTx(tx)
		if _, err := store.Override(ctx, target.TxHash); err != nil {
			return err
		}
		res.Overridden = target.TxHash
		later, err := store.Alive(ctx, target.ChainID, target.Sender, target.Nonce+1)
		if err != nil {
			return err
		}
		for _, rec := range later {
			if _, err := store.Obsolete(ctx, rec.TxHash); err != nil {
				return err
			}
			res.Obsoleted = append(res.Obsoleted, rec.TxHash)
		}
		return nil
	}
	if r.nonces != nil {
		var next uint64
		next, err = r.nonces.Rewind(ctx, target.Sender, target.Nonce, shift)
		res.NextNonce = &next
	} else {
		err = r.store.DB().WithContext(ctx).Transaction(shift)
	}
	if err != nil {
		return ShiftResult{}, err
	}
	r.logger.Info("nonce shifted",
		logging.MaskAddress("sender", target.Sender),
		slog.Uint64("nonce", target.Nonce),
		slog.String("tx_hash", target.TxHash),
		slog.Int("obsoleted", len(res.Obsoleted)))
	return res, nil
}

// Supersede obsoletes a record whose nonce the chain has already consumed
// with a different transaction.
func (r *Resolver) Supersede(ctx context.Context, hash string) (rec *models.Otx, err error) {
	defer func() { r.metrics.RecordResend("superseded", err) }()
	rec, err = r.store.Obsolete(ctx, hash)
	if err != nil {
		return nil, err
	}
	r.logger.Warn("transaction superseded on chain",
		slog.String("tx_hash", rec.TxHash),
		logging.MaskAddress("sender", rec.Sender),
		slog.Uint64("nonce", rec.Nonce))
	return rec, nil
}
