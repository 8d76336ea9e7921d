package txqueued

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"gorm.io/gorm"

	"txqueue/observability/logging"
	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/nonce"
	"txqueue/services/txqueued/queue"
	"txqueue/services/txqueued/roles"
	"txqueue/services/txqueued/txerr"
)

// Refiller queues plain value transfers from the gas provider. It satisfies
// gas.Refiller; the queued transfer is gated and sent by the next flush.
type Refiller struct {
	spec     chain.Spec
	store    *queue.Store
	ledger   *nonce.Ledger
	roles    *roles.Registry
	signer   chain.Signer
	client   chain.Client
	gasPrice *big.Int
	logger   *slog.Logger
}

// NewRefiller constructs a Refiller that prices transfers at gasPrice.
func NewRefiller(spec chain.Spec, store *queue.Store, ledger *nonce.Ledger, rr *roles.Registry, signer chain.Signer, client chain.Client, gasPrice *big.Int, logger *slog.Logger) *Refiller {
	return &Refiller{
		spec:     spec,
		store:    store,
		ledger:   ledger,
		roles:    rr,
		signer:   signer,
		client:   client,
		gasPrice: new(big.Int).Set(gasPrice),
		logger:   logging.Component(logger, "refill"),
	}
}

// Refill signs and registers a transfer of amount to recipient.
func (r *Refiller) Refill(ctx context.Context, recipient common.Address, amount *big.Int) (*models.Otx, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: refill amount must be positive", txerr.ErrIntegrity)
	}
	provider, err := r.roles.Get(ctx, models.RoleGasGifter)
	if err != nil {
		return nil, err
	}
	if !r.signer.Has(provider) {
		return nil, fmt.Errorf("%w: no key for gas provider %s", txerr.ErrRoleMissing, provider.Hex())
	}
	addr := chain.AddressKey(provider)

	pending, err := r.client.PendingNonceAt(ctx, provider)
	if err != nil {
		return nil, txerr.Transient(fmt.Errorf("refill: pending nonce: %w", err))
	}
	if _, err := r.ledger.Sync(ctx, addr, pending); err != nil {
		return nil, err
	}

	// The provider nonce is consumed only when the transfer is registered in
	// the same transaction; any failure rolls the counter back.
	var record *models.Otx
	n, err := r.ledger.Assign(ctx, addr, func(tx *gorm.DB, n uint64) error {
		signed, err := r.signer.SignTx(ctx, provider, types.NewTx(&types.LegacyTx{
			Nonce:    n,
			GasPrice: new(big.Int).Set(r.gasPrice),
			Gas:      params.TxGas,
			To:       &recipient,
			Value:    new(big.Int).Set(amount),
		}), r.spec.BigID())
		if err != nil {
			return fmt.Errorf("refill: sign: %w", err)
		}
		record, err = r.store.WithTx(tx).RegisterTx(ctx, r.spec, signed)
		return err
	})
	if err != nil {
		r.logger.Error("refill not queued", logging.MaskAddress("recipient", recipient.Hex()), slog.String("error", err.Error()))
		return nil, err
	}
	r.logger.Info("refill queued",
		logging.MaskAddress("recipient", recipient.Hex()),
		slog.String("amount", amount.String()),
		slog.Uint64("nonce", n),
		slog.String("tx_hash", record.TxHash))
	return record, nil
}
