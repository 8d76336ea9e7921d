package gas

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/chain/chaintest"
	"txqueue/services/txqueued/lock"
	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/queue"
	"txqueue/services/txqueued/roles"
	"txqueue/services/txqueued/status"
	"txqueue/services/txqueued/storage"
	"txqueue/services/txqueued/txerr"
)

var (
	testSpec = chain.MustParseSpec("evm:1337")
	sink     = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

type recordingRefiller struct {
	mu      sync.Mutex
	store   *queue.Store
	account chaintest.Account
	nonce   uint64
	calls   []*big.Int
}

func (r *recordingRefiller) Refill(ctx context.Context, recipient common.Address, amount *big.Int) (*models.Otx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, new(big.Int).Set(amount))
	signed := chaintest.LegacyTx(testSpec, r.account, r.nonce, recipient, amount, big.NewInt(1))
	r.nonce++
	return r.store.RegisterTx(ctx, testSpec, signed)
}

type harness struct {
	gate     *Gate
	store    *queue.Store
	locks    *lock.Registry
	roles    *roles.Registry
	client   *chaintest.Client
	provider chaintest.Account
	refiller *recordingRefiller
}

// minimum is 5 * 2 * 50 = 500 wei.
func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := storage.Open(storage.DriverSQLite, dsn, storage.Options{Migrate: true, Quiet: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close(db) })

	locks := lock.New(db)
	store := queue.NewStore(db, locks)
	rr := roles.New(db)
	client := chaintest.New()
	provider := chaintest.NewAccount()
	if err := rr.Set(context.Background(), models.RoleGasGifter, provider.Address); err != nil {
		t.Fatalf("set role: %v", err)
	}
	refiller := &recordingRefiller{store: store, account: provider}
	cfg, err := ParseConfig("5", "2", "50")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	gate, err := NewGate(cfg, testSpec, store, locks, rr, client,
		WithRefiller(refiller), WithHealthRetry(3, time.Millisecond))
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	return &harness{gate: gate, store: store, locks: locks, roles: rr, client: client, provider: provider, refiller: refiller}
}

func (h *harness) register(t *testing.T, acct chaintest.Account, nonce uint64, value int64) *models.Otx {
	t.Helper()
	signed := chaintest.LegacyTx(testSpec, acct, nonce, sink, big.NewInt(value), big.NewInt(1))
	record, err := h.store.RegisterTx(context.Background(), testSpec, signed)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return record
}

func TestConfigMinimum(t *testing.T) {
	cfg, err := ParseConfig("21000", "3", "1000000000")
	require.NoError(t, err)
	minimum, err := cfg.Minimum()
	require.NoError(t, err)
	require.Equal(t, "63000000000000", minimum.Dec())

	_, err = ParseConfig("", "3", "1")
	require.Error(t, err)

	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	_, err = Config{HolderMinimumUnits: huge, RefillThreshold: huge, MinFeePrice: uint256.NewInt(1)}.Minimum()
	require.ErrorIs(t, err, txerr.ErrInitialization)
}

func TestProviderBelowMinimumWaitsForGas(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.client.SetBalance(h.provider.Address, big.NewInt(100))

	ok, err := h.gate.CheckMinimum(ctx, h.provider.Address, big.NewInt(500))
	require.NoError(t, err)
	require.False(t, ok)

	// 21000 gas at 1 wei covers the cost but not the provider minimum.
	record := h.register(t, h.provider, 0, 0)
	h.client.SetBalance(h.provider.Address, big.NewInt(21000+100))
	h.gate.minimum = big.NewInt(50000)

	st, err := h.gate.Check(ctx, record.TxHash)
	require.NoError(t, err)
	require.Equal(t, status.WaitForGas, st)
	require.Empty(t, h.refiller.calls)
	require.Error(t, h.gate.Health(ctx))
}

func TestFundedSenderBecomesReady(t *testing.T) {
	h := newHarness(t)
	acct := chaintest.NewAccount()
	record := h.register(t, acct, 0, 10)
	h.client.SetBalance(acct.Address, big.NewInt(21000+10))

	st, err := h.gate.Check(context.Background(), record.TxHash)
	require.NoError(t, err)
	require.Equal(t, status.ReadySend, st)
	require.Empty(t, h.refiller.calls)
}

func TestUnderfundedSenderTriggersSingleRefill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct := chaintest.NewAccount()
	first := h.register(t, acct, 0, 0)
	second := h.register(t, acct, 1, 0)
	h.client.SetBalance(acct.Address, big.NewInt(1000))

	st, err := h.gate.Check(ctx, first.TxHash)
	require.NoError(t, err)
	require.Equal(t, status.WaitForGas, st)
	require.Len(t, h.refiller.calls, 1)
	require.Equal(t, big.NewInt(20000), h.refiller.calls[0])

	st, err = h.gate.Check(ctx, second.TxHash)
	require.NoError(t, err)
	require.Equal(t, status.WaitForGas, st)
	require.Len(t, h.refiller.calls, 1, "refill in flight must not be duplicated")

	h.client.SetBalance(acct.Address, big.NewInt(50000))
	ready, err := h.gate.Resume(ctx, acct.Address)
	require.NoError(t, err)
	require.Equal(t, 2, ready)
}

func TestRefillAmountFloorsAtMinimum(t *testing.T) {
	h := newHarness(t)
	acct := chaintest.NewAccount()
	record := h.register(t, acct, 0, 0)
	h.client.SetBalance(acct.Address, big.NewInt(20900))

	_, err := h.gate.Check(context.Background(), record.TxHash)
	require.NoError(t, err)
	require.Len(t, h.refiller.calls, 1)
	require.Equal(t, big.NewInt(500), h.refiller.calls[0])
}

func TestInitLockBypassesGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.locks.Set(ctx, lock.Global(testSpec.String()), lock.Init)
	require.NoError(t, err)

	record := h.register(t, chaintest.NewAccount(), 0, 1_000_000)
	st, err := h.gate.Check(ctx, record.TxHash)
	require.NoError(t, err)
	require.Equal(t, status.ReadySend, st)
	require.NoError(t, h.gate.Health(ctx))
}

func TestMissingProviderStillParks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.roles.Delete(ctx, models.RoleGasGifter))

	record := h.register(t, chaintest.NewAccount(), 0, 0)
	st, err := h.gate.Check(ctx, record.TxHash)
	require.NoError(t, err)
	require.Equal(t, status.WaitForGas, st)
	require.ErrorIs(t, h.gate.Health(ctx), txerr.ErrRoleMissing)
}

func TestHealthRetriesTransientBalanceErrors(t *testing.T) {
	h := newHarness(t)
	h.client.BalanceErr = txerr.Transient(errors.New("connection reset"))
	err := h.gate.Health(context.Background())
	require.Error(t, err)
	require.True(t, txerr.IsTransient(err))

	h.client.BalanceErr = nil
	h.client.SetBalance(h.provider.Address, big.NewInt(500))
	require.NoError(t, h.gate.Health(context.Background()))
}
