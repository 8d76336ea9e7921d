package straggler

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/chain/chaintest"
	"txqueue/services/txqueued/lock"
	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/queue"
	"txqueue/services/txqueued/status"
	"txqueue/services/txqueued/storage"
)

var (
	testSpec = chain.MustParseSpec("evm:1337")
	sink     = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	epoch    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fakeResolver struct {
	store      *queue.Store
	mu         sync.Mutex
	resent     []string
	superseded []string
}

func (f *fakeResolver) Resend(_ context.Context, hash, reason string) (*models.Otx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resent = append(f.resent, hash)
	return &models.Otx{TxHash: hash + "-replacement"}, nil
}

func (f *fakeResolver) Supersede(ctx context.Context, hash string) (*models.Otx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.superseded = append(f.superseded, hash)
	return f.store.Obsolete(ctx, hash)
}

type rig struct {
	detector *Detector
	store    *queue.Store
	resolver *fakeResolver
	acct     chaintest.Account
	clock    *time.Time
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := storage.Open(storage.DriverSQLite, dsn, storage.Options{Migrate: true, Quiet: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close(db) })
	clock := epoch
	now := func() time.Time { return clock }
	store := queue.NewStore(db, lock.New(db), queue.WithClock(now))
	resolver := &fakeResolver{store: store}
	opts = append([]Option{WithClock(now), WithGrace(time.Minute)}, opts...)
	return &rig{
		detector: New(testSpec, store, resolver, opts...),
		store:    store,
		resolver: resolver,
		acct:     chaintest.NewAccount(),
		clock:    &clock,
	}
}

func (r *rig) sent(t *testing.T, nonce uint64) (*models.Otx, *types.Transaction) {
	t.Helper()
	ctx := context.Background()
	signed := chaintest.LegacyTx(testSpec, r.acct, nonce, sink, big.NewInt(1), big.NewInt(1))
	record, err := r.store.RegisterTx(ctx, testSpec, signed)
	require.NoError(t, err)
	_, err = r.store.ReadySend(ctx, record.TxHash)
	require.NoError(t, err)
	_, err = r.store.Sent(ctx, record.TxHash)
	require.NoError(t, err)
	return record, signed
}

func block(number uint64, txs ...*types.Transaction) *types.Block {
	header := &types.Header{Number: new(big.Int).SetUint64(number), Difficulty: big.NewInt(0)}
	return types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})
}

func TestObserveTracksConfirmedNoncesAndGaps(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	_, tx0 := r.sent(t, 0)
	stranger := chaintest.NewAccount()
	foreign := chaintest.LegacyTx(testSpec, stranger, 9, sink, big.NewInt(1), big.NewInt(1))

	gaps, err := r.detector.Observe(ctx, block(1, tx0, foreign))
	require.NoError(t, err)
	require.Empty(t, gaps)
	n, ok, err := r.detector.Confirmed(ctx, chain.AddressKey(r.acct.Address))
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, n)
	_, ok, err = r.detector.Confirmed(ctx, chain.AddressKey(stranger.Address))
	require.NoError(t, err)
	require.False(t, ok, "unknown senders are not tracked")

	external := chaintest.LegacyTx(testSpec, r.acct, 3, sink, big.NewInt(2), big.NewInt(1))
	gaps, err = r.detector.Observe(ctx, block(2, external))
	require.NoError(t, err)
	require.Equal(t, []Gap{{Address: chain.AddressKey(r.acct.Address), Expected: 1, Observed: 3}}, gaps)

	gaps, err = r.detector.Observe(ctx, block(3, tx0))
	require.NoError(t, err)
	require.Empty(t, gaps, "replayed nonce never lowers the confirmation")
	n, _, err = r.detector.Confirmed(ctx, chain.AddressKey(r.acct.Address))
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)
}

func TestRunResendsLowestStaleNonce(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	first, tx0 := r.sent(t, 0)
	second, _ := r.sent(t, 1)
	third, _ := r.sent(t, 2)

	_, err := r.detector.Observe(ctx, block(1, tx0))
	require.NoError(t, err)
	_, err = r.store.Success(ctx, first.TxHash, 1)
	require.NoError(t, err)

	report, err := r.detector.Run(ctx, block(2))
	require.NoError(t, err)
	require.Empty(t, report.Resent, "nothing is stale inside the grace period")

	*r.clock = epoch.Add(2 * time.Minute)
	report, err = r.detector.Run(ctx, block(3))
	require.NoError(t, err)
	require.Equal(t, []string{second.TxHash}, report.Resent)
	require.Equal(t, []string{second.TxHash}, r.resolver.resent)

	st, err := r.store.Status(ctx, third.TxHash)
	require.NoError(t, err)
	require.Equal(t, status.Sent, st, "the detector never writes records itself")
}

func TestRunSupersedesConsumedNonces(t *testing.T) {
	r := newRig(t, WithBatch(1))
	ctx := context.Background()
	stuck, _ := r.sent(t, 0)
	waiting, _ := r.sent(t, 1)
	*r.clock = epoch.Add(time.Hour)

	other := chaintest.LegacyTx(testSpec, r.acct, 0, sink, big.NewInt(7), big.NewInt(5))
	report, err := r.detector.Run(ctx, block(1, other))
	require.NoError(t, err)
	require.Equal(t, []string{stuck.TxHash}, report.Superseded)
	require.Empty(t, report.Resent, "batch exhausted")

	report, err = r.detector.Run(ctx, block(2))
	require.NoError(t, err)
	require.Equal(t, []string{waiting.TxHash}, report.Resent)
}
