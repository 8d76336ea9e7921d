package txqueued

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/chain/chaintest"
	"txqueue/services/txqueued/lock"
	"txqueue/services/txqueued/queue"
	"txqueue/services/txqueued/status"
	"txqueue/services/txqueued/txerr"
)

var (
	sink = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	gwei = big.NewInt(1_000_000_000)
)

func (h *testApp) submit(t *testing.T, tx *types.Transaction) *httptest.ResponseRecorder {
	t.Helper()
	return h.do(t, http.MethodPost, "/v1/tx", submitRequest{Raw: hexutil.Encode(chaintest.Raw(tx))})
}

func TestAdminRequiresBearerToken(t *testing.T) {
	h := newTestApp(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/tx", nil)
	rec := httptest.NewRecorder()
	h.app.Server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthzReflectsProviderBalance(t *testing.T) {
	h := newTestApp(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.app.Server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, "provider holds nothing")

	h.client.SetBalance(h.provider.Address, big.NewInt(500))
	rec = httptest.NewRecorder()
	h.app.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitSendsFundedTransaction(t *testing.T) {
	h := newTestApp(t)
	h.client.SetBalance(h.user.Address, new(big.Int).Mul(gwei, gwei))
	tx := chaintest.LegacyTx(testSpec, h.user, 0, sink, big.NewInt(1), gwei)

	rec := h.submit(t, tx)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := decode[txView](t, rec)
	require.Equal(t, chain.HashKey(tx.Hash()), view.Hash)
	require.Equal(t, "SENT", view.Status)
	require.Len(t, h.client.Sent(), 1)

	rec = h.do(t, http.MethodGet, "/v1/tx/"+view.Hash+"/log", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]logEntry](t, rec)
	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, e.Status)
	}
	require.Equal(t, []string{"PENDING", "READYSEND", "SENT"}, got)

	rec = h.submit(t, tx)
	require.Equal(t, http.StatusConflict, rec.Code, "duplicate hash")

	rec = h.do(t, http.MethodGet, "/v1/tx/0xdeadbeef", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitUnderfundedSenderQueuesRefill(t *testing.T) {
	h := newTestApp(t)
	ctx := context.Background()
	h.client.SetBalance(h.provider.Address, new(big.Int).Mul(gwei, gwei))
	h.client.SetPendingNonce(h.provider.Address, 4)
	tx := chaintest.LegacyTx(testSpec, h.user, 0, sink, big.NewInt(1000), big.NewInt(2))

	rec := h.submit(t, tx)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "WAITFORGAS", decode[txView](t, rec).Status)
	require.Empty(t, h.client.Sent())

	refills, err := h.app.Store.List(ctx, queue.Filter{Sender: h.provider.Address.Hex(), Recipient: h.user.Address.Hex()})
	require.NoError(t, err)
	require.Len(t, refills, 1)
	require.Equal(t, uint64(4), refills[0].Nonce, "provider nonce seeded from the node")
	refill, err := queue.Decode(&refills[0])
	require.NoError(t, err)
	require.Equal(t, tx.Cost(), refill.Value(), "shortfall above the minimum is sent")
	require.Equal(t, big.NewInt(50), refill.GasPrice())

	// The next flush gates the refill and sends it.
	sent, err := h.app.Dispatcher.Flush(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	st, err := h.app.Store.Status(ctx, refills[0].TxHash)
	require.NoError(t, err)
	require.Equal(t, status.Sent, st)

	h.client.SetBalance(h.user.Address, tx.Cost())
	ready, err := h.app.Gate.Resume(ctx, h.user.Address)
	require.NoError(t, err)
	require.Equal(t, 1, ready)
}

func TestListFiltersByStatus(t *testing.T) {
	h := newTestApp(t)
	h.client.SetBalance(h.user.Address, new(big.Int).Mul(gwei, gwei))
	for n := uint64(0); n < 2; n++ {
		rec := h.submit(t, chaintest.LegacyTx(testSpec, h.user, n, sink, big.NewInt(1), gwei))
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := h.do(t, http.MethodGet, "/v1/tx?status=sent&sender="+h.user.Address.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]txView](t, rec), 2)

	rec = h.do(t, http.MethodGet, "/v1/tx?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[[]txView](t, rec))

	rec = h.do(t, http.MethodGet, "/v1/tx?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNonceEndpoints(t *testing.T) {
	h := newTestApp(t)
	addr := chaintest.NewAccount().Address.Hex()

	rec := h.do(t, http.MethodPost, "/v1/nonce/reserve", map[string]any{"address": addr})
	require.Equal(t, http.StatusBadRequest, rec.Code, "uninitialised counter")

	rec = h.do(t, http.MethodPost, "/v1/nonce/reserve", map[string]any{"address": addr, "default": 7})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[reservationView](t, rec)
	require.Equal(t, uint64(7), first.Nonce)
	require.NotEmpty(t, first.Key, "a key is generated when none is given")

	rec = h.do(t, http.MethodPost, "/v1/nonce/reserve", map[string]any{"address": addr, "key": "k1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, uint64(8), decode[reservationView](t, rec).Nonce)

	rec = h.do(t, http.MethodPost, "/v1/nonce/reserve", map[string]any{"address": addr, "key": "k1"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/nonce/"+addr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	peek := decode[nonceView](t, rec)
	require.True(t, peek.Initialised)
	require.Len(t, peek.Reservations, 2)

	rec = h.do(t, http.MethodPost, "/v1/nonce/release", releaseRequest{Key: "k1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(8), decode[reservationView](t, rec).Nonce)

	rec = h.do(t, http.MethodPost, "/v1/nonce/release", releaseRequest{Key: "k1"})
	require.Equal(t, http.StatusConflict, rec.Code, "double release")

	rec = h.do(t, http.MethodPut, "/v1/nonce/"+addr, initNonceRequest{Start: 1})
	require.Equal(t, http.StatusBadRequest, rec.Code, "counter already initialised")
}

func TestLockEndpointsGateRegistration(t *testing.T) {
	h := newTestApp(t)
	h.client.SetBalance(h.user.Address, new(big.Int).Mul(gwei, gwei))

	rec := h.do(t, http.MethodPut, "/v1/locks", lockRequest{Address: h.user.Address.Hex(), Flags: "QUEUE"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "QUEUE", decode[lockView](t, rec).Flags)

	tx := chaintest.LegacyTx(testSpec, h.user, 0, sink, big.NewInt(1), gwei)
	rec = h.submit(t, tx)
	require.Equal(t, http.StatusLocked, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/locks?aggregate=true&address="+h.user.Address.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "QUEUE", decode[lockView](t, rec).Flags)

	rec = h.do(t, http.MethodDelete, "/v1/locks", lockRequest{Address: h.user.Address.Hex(), Flags: "QUEUE"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "NONE", decode[lockView](t, rec).Flags)

	rec = h.submit(t, tx)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPut, "/v1/locks", lockRequest{Flags: "NOPE"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResendEndpointReplacesTransaction(t *testing.T) {
	h := newTestApp(t)
	h.client.SetBalance(h.user.Address, new(big.Int).Mul(gwei, gwei))
	tx := chaintest.LegacyTx(testSpec, h.user, 0, sink, big.NewInt(1), gwei)
	rec := h.submit(t, tx)
	require.Equal(t, http.StatusCreated, rec.Code)
	old := decode[txView](t, rec)

	rec = h.do(t, http.MethodPost, "/v1/tx/"+old.Hash+"/resend", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	replacement := decode[txView](t, rec)
	require.NotEqual(t, old.Hash, replacement.Hash)
	require.Equal(t, old.Nonce, replacement.Nonce)
	require.Equal(t, "1100000000", replacement.GasPrice)
	require.Equal(t, "SENT", replacement.Status)

	rec = h.do(t, http.MethodGet, "/v1/tx/"+old.Hash, nil)
	require.Equal(t, "OBSOLETED", decode[txView](t, rec).Status)

	rec = h.do(t, http.MethodPost, "/v1/tx/"+old.Hash+"/resend", nil)
	require.Equal(t, http.StatusConflict, rec.Code, "final records cannot be resent")
}

func TestShiftEndpointOverridesAndObsoletes(t *testing.T) {
	h := newTestApp(t)
	h.client.SetBalance(h.user.Address, new(big.Int).Mul(gwei, gwei))
	hashes := make([]string, 0, 3)
	for n := uint64(0); n < 3; n++ {
		rec := h.submit(t, chaintest.LegacyTx(testSpec, h.user, n, sink, big.NewInt(1), gwei))
		require.Equal(t, http.StatusCreated, rec.Code)
		hashes = append(hashes, decode[txView](t, rec).Hash)
	}

	rec := h.do(t, http.MethodPost, "/v1/tx/"+hashes[1]+"/shift", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[shiftResponse](t, rec)
	require.Equal(t, hashes[1], res.Overridden)
	require.Equal(t, []string{hashes[2]}, res.Obsoleted)

	rec = h.do(t, http.MethodGet, "/v1/tx/"+hashes[0], nil)
	require.Equal(t, "SENT", decode[txView](t, rec).Status)
}

func TestRoleEndpoints(t *testing.T) {
	h := newTestApp(t)
	other := chaintest.NewAccount().Address
	rec := h.do(t, http.MethodPut, "/v1/roles/gas_gifter", roleRequest{Address: other.Hex()})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/roles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, chain.AddressKey(other), decode[map[string]string](t, rec)["GAS_GIFTER"])

	rec = h.do(t, http.MethodPut, "/v1/roles/gas_gifter", roleRequest{Address: "nope"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusForMapsErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{txerr.ErrLocked, http.StatusLocked},
		{txerr.ErrIntegrity, http.StatusConflict},
		{txerr.ErrStateChange, http.StatusConflict},
		{txerr.ErrInitialization, http.StatusBadRequest},
		{txerr.ErrRoleMissing, http.StatusPreconditionFailed},
		{txerr.Transient(errors.New("timeout")), http.StatusServiceUnavailable},
		{txerr.Permanent(errors.New("nonce too low")), http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", txerr.ErrNotFound), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestSubmitRetriesTransientSendFailure(t *testing.T) {
	h := newTestApp(t)
	h.client.SetBalance(h.user.Address, new(big.Int).Mul(gwei, gwei))
	calls := 0
	h.client.SendErr = func(*types.Transaction) error {
		calls++
		if calls == 1 {
			return errors.New("txpool is full")
		}
		return nil
	}
	tx := chaintest.LegacyTx(testSpec, h.user, 0, sink, big.NewInt(1), gwei)

	rec := h.submit(t, tx)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "SENT", decode[txView](t, rec).Status)
	require.Equal(t, 2, calls)

	rec = h.do(t, http.MethodGet, "/v1/tx/"+chain.HashKey(tx.Hash())+"/log", nil)
	got := []string{}
	for _, e := range decode[[]logEntry](t, rec) {
		got = append(got, e.Status)
	}
	require.Equal(t, []string{"PENDING", "READYSEND", "SENDFAIL", "RETRY", "READYSEND", "SENT"}, got)
}

func TestSubmitReportsNodeRejection(t *testing.T) {
	h := newTestApp(t)
	h.client.SetBalance(h.user.Address, new(big.Int).Mul(gwei, gwei))
	h.client.SendErr = func(*types.Transaction) error { return errors.New("nonce too low") }

	rec := h.submit(t, chaintest.LegacyTx(testSpec, h.user, 0, sink, big.NewInt(1), gwei))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	view := decode[txView](t, rec)
	require.Equal(t, "REJECTED", view.Status)
	require.Contains(t, view.Error, "nonce too low")
}

func TestSubmitLeavesExhaustedTransientFailureToFlush(t *testing.T) {
	h := newTestApp(t)
	h.client.SetBalance(h.user.Address, new(big.Int).Mul(gwei, gwei))
	h.client.SendErr = func(*types.Transaction) error { return errors.New("txpool is full") }

	rec := h.submit(t, chaintest.LegacyTx(testSpec, h.user, 0, sink, big.NewInt(1), gwei))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	view := decode[txView](t, rec)
	require.NotEmpty(t, view.Error)
	st, err := status.Parse(view.Status)
	require.NoError(t, err)
	require.True(t, st.IsAlive(), view.Status)
}

func TestResendReportsReplacementRejection(t *testing.T) {
	h := newTestApp(t)
	h.client.SetBalance(h.user.Address, new(big.Int).Mul(gwei, gwei))
	tx := chaintest.LegacyTx(testSpec, h.user, 0, sink, big.NewInt(1), gwei)
	rec := h.submit(t, tx)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	h.client.SendErr = func(*types.Transaction) error { return errors.New("insufficient funds for gas * price + value") }
	rec = h.do(t, http.MethodPost, "/v1/tx/"+chain.HashKey(tx.Hash())+"/resend", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	view := decode[txView](t, rec)
	require.Equal(t, "REJECTED", view.Status)
	require.NotEmpty(t, view.Error)
}

func TestQueryLockRefusesReads(t *testing.T) {
	h := newTestApp(t)
	ctx := context.Background()
	h.client.SetBalance(h.user.Address, new(big.Int).Mul(gwei, gwei))
	tx := chaintest.LegacyTx(testSpec, h.user, 0, sink, big.NewInt(1), gwei)
	rec := h.submit(t, tx)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	hash := chain.HashKey(tx.Hash())
	user := chain.AddressKey(h.user.Address)

	_, err := h.app.Locks.Set(ctx, lock.ForAddress(testSpec.String(), user), lock.Query)
	require.NoError(t, err)
	for _, path := range []string{
		"/v1/tx/" + hash,
		"/v1/tx/" + hash + "/log",
		"/v1/tx?sender=" + user,
		"/v1/nonce/" + user,
	} {
		rec = h.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusLocked, rec.Code, path)
	}
	rec = h.do(t, http.MethodGet, "/v1/tx", nil)
	require.Equal(t, http.StatusOK, rec.Code, "an address lock leaves the unfiltered listing open")

	_, err = h.app.Locks.Set(ctx, lock.Global(testSpec.String()), lock.Query)
	require.NoError(t, err)
	rec = h.do(t, http.MethodGet, "/v1/tx", nil)
	require.Equal(t, http.StatusLocked, rec.Code)

	for _, scope := range []lock.Scope{lock.Global(testSpec.String()), lock.ForAddress(testSpec.String(), user)} {
		_, err = h.app.Locks.Reset(ctx, scope, lock.Query)
		require.NoError(t, err)
	}
	rec = h.do(t, http.MethodGet, "/v1/tx/"+hash, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
