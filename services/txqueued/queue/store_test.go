package queue

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
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/chain/chaintest"
	"txqueue/services/txqueued/lock"
	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/status"
	"txqueue/services/txqueued/storage"
	"txqueue/services/txqueued/txerr"
)

var (
	testSpec  = chain.MustParseSpec("evm:1337")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	gwei      = big.NewInt(1_000_000_000)
)

func setupQueueTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := storage.Open(storage.DriverSQLite, dsn, storage.Options{Migrate: true, Quiet: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}

func newTestStore(t *testing.T) (*Store, *lock.Registry, *gorm.DB) {
	t.Helper()
	db := setupQueueTestDB(t)
	locks := lock.New(db)
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return NewStore(db, locks, WithClock(now)), locks, db
}

func registerLegacy(t *testing.T, store *Store, acct chaintest.Account, nonce uint64) *models.Otx {
	t.Helper()
	signed := chaintest.LegacyTx(testSpec, acct, nonce, recipient, big.NewInt(1), gwei)
	record, err := store.Register(context.Background(), testSpec, chaintest.Raw(signed))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return record
}

func TestRegisterAndLifecycle(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	acct := chaintest.NewAccount()

	record := registerLegacy(t, store, acct, 0)
	require.Equal(t, status.Pending, record.State())
	require.Equal(t, chain.AddressKey(acct.Address), record.Sender)
	require.Equal(t, chain.AddressKey(recipient), record.Recipient)
	require.Equal(t, gwei.String(), record.GasPrice)

	_, err := store.WaitForGas(ctx, record.TxHash)
	require.NoError(t, err)
	_, err = store.ReadySend(ctx, record.TxHash)
	require.NoError(t, err)
	_, err = store.Sent(ctx, record.TxHash)
	require.NoError(t, err)
	done, err := store.Success(ctx, record.TxHash, 100)
	require.NoError(t, err)
	require.Equal(t, status.Success, done.State())
	require.NotNil(t, done.Block)
	require.Equal(t, uint64(100), *done.Block)

	before, err := store.StatusLog(ctx, record.TxHash)
	require.NoError(t, err)
	require.Len(t, before, 5)

	_, err = store.SendFail(ctx, record.TxHash)
	require.ErrorIs(t, err, txerr.ErrStateChange)

	after, err := store.StatusLog(ctx, record.TxHash)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	st, err := store.Status(ctx, record.TxHash)
	require.NoError(t, err)
	require.Equal(t, status.Success, st)
}

func TestStateLogHasOneEntryPerTransition(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	record := registerLegacy(t, store, chaintest.NewAccount(), 0)

	events := []status.Event{
		status.EventReadySend, status.EventSent, status.EventSent, status.EventSendFail,
		status.EventRetry, status.EventReadySend, status.EventSent,
	}
	for _, ev := range events {
		_, err := store.Transition(ctx, record.TxHash, ev)
		require.NoError(t, err, string(ev))
	}
	entries, err := store.StatusLog(ctx, record.TxHash)
	require.NoError(t, err)
	require.Len(t, entries, len(events)+1)
	require.Equal(t, status.Pending, entries[0].State())
	for i := 1; i < len(entries); i++ {
		require.False(t, entries[i].Date.Before(entries[i-1].Date), "log must be chronological")
	}
	require.Equal(t, status.Sent, entries[len(entries)-1].State())
}

func TestTerminalRecordsAreImmutable(t *testing.T) {
	ctx := context.Background()
	paths := map[status.State][]status.Event{
		status.Success:    {status.EventReadySend, status.EventSent, status.EventSuccess},
		status.Reverted:   {status.EventReadySend, status.EventSent, status.EventMineFail},
		status.Rejected:   {status.EventReadySend, status.EventReject},
		status.Obsoleted:  {status.EventObsolete},
		status.Overridden: {status.EventOverride},
		status.Fubar:      {status.EventFubar},
	}
	for terminal, path := range paths {
		store, _, _ := newTestStore(t)
		record := registerLegacy(t, store, chaintest.NewAccount(), 0)
		for _, ev := range path {
			_, err := store.Transition(ctx, record.TxHash, ev)
			require.NoError(t, err)
		}
		logBefore, err := store.StatusLog(ctx, record.TxHash)
		require.NoError(t, err)
		snapshot, err := store.Get(ctx, record.TxHash)
		require.NoError(t, err)
		require.Equal(t, terminal, snapshot.State())

		for _, ev := range status.Events() {
			_, err := store.Transition(ctx, record.TxHash, ev, AtBlock(999))
			if !errors.Is(err, txerr.ErrStateChange) {
				t.Fatalf("%s on %s: expected ErrStateChange, got %v", ev, terminal, err)
			}
		}
		logAfter, err := store.StatusLog(ctx, record.TxHash)
		require.NoError(t, err)
		require.Len(t, logAfter, len(logBefore))
		current, err := store.Get(ctx, record.TxHash)
		require.NoError(t, err)
		require.Equal(t, snapshot.Status, current.Status)
		require.Equal(t, snapshot.Block, current.Block)
	}
}

func TestRegisterRefusedByQueueLock(t *testing.T) {
	store, locks, db := newTestStore(t)
	ctx := context.Background()
	_, err := locks.Set(ctx, lock.Global(testSpec.String()), lock.Queue)
	require.NoError(t, err)

	signed := chaintest.LegacyTx(testSpec, chaintest.NewAccount(), 0, recipient, big.NewInt(1), gwei)
	_, err = store.Register(ctx, testSpec, chaintest.Raw(signed))
	require.ErrorIs(t, err, txerr.ErrLocked)

	var count int64
	require.NoError(t, db.Model(&models.Otx{}).Count(&count).Error)
	require.Zero(t, count)
	require.NoError(t, db.Model(&models.OtxStateLog{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestRegisterRejectsDuplicatesAndLiveNonceReuse(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	acct := chaintest.NewAccount()
	first := chaintest.LegacyTx(testSpec, acct, 4, recipient, big.NewInt(1), gwei)
	_, err := store.Register(ctx, testSpec, chaintest.Raw(first))
	require.NoError(t, err)

	_, err = store.Register(ctx, testSpec, chaintest.Raw(first))
	require.ErrorIs(t, err, txerr.ErrIntegrity)

	bumped := chaintest.LegacyTx(testSpec, acct, 4, recipient, big.NewInt(1), new(big.Int).Mul(gwei, big.NewInt(2)))
	_, err = store.Register(ctx, testSpec, chaintest.Raw(bumped))
	require.ErrorIs(t, err, txerr.ErrIntegrity)

	_, err = store.Obsolete(ctx, chain.HashKey(first.Hash()))
	require.NoError(t, err)
	replacement, err := store.Register(ctx, testSpec, chaintest.Raw(bumped))
	require.NoError(t, err)
	require.Equal(t, uint64(4), replacement.Nonce)
}

func TestRegisterRejectsGarbage(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Register(context.Background(), testSpec, []byte{0x01, 0x02})
	require.True(t, txerr.IsPermanent(err), "got %v", err)
}

func TestTransitionUnknownHash(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Sent(context.Background(), "0xabc")
	require.ErrorIs(t, err, txerr.ErrNotFound)
}

func TestConcurrentTransitionsAreLinearised(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	record := registerLegacy(t, store, chaintest.NewAccount(), 0)
	_, err := store.ReadySend(ctx, record.TxHash)
	require.NoError(t, err)
	_, err = store.Sent(ctx, record.TxHash)
	require.NoError(t, err)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Success(ctx, record.TxHash, uint64(100+i))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if !errors.Is(err, txerr.ErrStateChange) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, successes)
	entries, err := store.StatusLog(ctx, record.TxHash)
	require.NoError(t, err)
	require.Len(t, entries, 4)
}

func TestListFilters(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	acct := chaintest.NewAccount()
	for n := uint64(0); n < 4; n++ {
		registerLegacy(t, store, acct, n)
	}
	alive, err := store.Alive(ctx, testSpec.String(), chain.AddressKey(acct.Address), 2)
	require.NoError(t, err)
	require.Len(t, alive, 2)
	require.Equal(t, uint64(2), alive[0].Nonce)
	require.Equal(t, uint64(3), alive[1].Nonce)

	pending, err := store.List(ctx, Filter{Chain: testSpec.String(), States: []status.State{status.Pending}, Limit: 3})
	require.NoError(t, err)
	require.Len(t, pending, 3)
}
