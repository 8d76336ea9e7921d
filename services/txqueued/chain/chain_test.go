package chain_test

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/chain/chaintest"
	"txqueue/services/txqueued/txerr"
)

func TestParseSpec(t *testing.T) {
	spec, err := chain.ParseSpec("evm:8996")
	require.NoError(t, err)
	require.Equal(t, chain.Spec{Engine: "evm", ChainID: 8996}, spec)
	require.Equal(t, "evm:8996", spec.String())

	bare, err := chain.ParseSpec("1")
	require.NoError(t, err)
	require.Equal(t, "evm:1", bare.String())

	_, err = chain.ParseSpec("evm:abc")
	require.Error(t, err)
	_, err = chain.ParseSpec("")
	require.Error(t, err)
}

func TestDecodeRecoversSender(t *testing.T) {
	spec := chain.MustParseSpec("evm:1337")
	acct := chaintest.NewAccount()
	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	signed := chaintest.LegacyTx(spec, acct, 3, to, big.NewInt(10), big.NewInt(1_000_000_000))

	decoded, err := chain.Decode(chaintest.Raw(signed))
	require.NoError(t, err)
	require.Equal(t, signed.Hash(), decoded.Hash())

	from, err := spec.Sender(decoded)
	require.NoError(t, err)
	require.Equal(t, acct.Address, from)

	other := chain.MustParseSpec("evm:1")
	_, err = other.Sender(decoded)
	require.Error(t, err)

	_, err = chain.DecodeHex("0xdeadbeef")
	require.Error(t, err)
}

type jsonRPCError struct{ msg string }

func (e jsonRPCError) Error() string  { return e.msg }
func (e jsonRPCError) ErrorCode() int { return -32000 }

var _ rpc.Error = jsonRPCError{}

func TestClassifySend(t *testing.T) {
	require.True(t, txerr.IsPermanent(chain.ClassifySend(errors.New("nonce too low"))))
	require.True(t, txerr.IsPermanent(chain.ClassifySend(errors.New("insufficient funds for gas * price + value"))))
	require.True(t, txerr.IsPermanent(chain.ClassifySend(jsonRPCError{"execution aborted"})))
	require.True(t, txerr.IsTransient(chain.ClassifySend(jsonRPCError{"txpool is full"})))
	require.True(t, txerr.IsTransient(chain.ClassifySend(errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"))))
	require.ErrorIs(t, chain.ClassifySend(errors.New("already known")), chain.ErrAlreadyKnown)
	require.NoError(t, chain.ClassifySend(nil))
}

func TestKeySignerMissingKey(t *testing.T) {
	spec := chain.MustParseSpec("evm:1337")
	acct := chaintest.NewAccount()
	stranger := chaintest.NewAccount()
	signer := chain.NewKeySigner(acct.Key)

	require.True(t, signer.Has(acct.Address))
	require.False(t, signer.Has(stranger.Address))

	tx := chaintest.LegacyTx(spec, stranger, 0, acct.Address, big.NewInt(1), big.NewInt(1))
	_, err := signer.SignTx(context.Background(), stranger.Address, tx, spec.BigID())
	require.ErrorIs(t, err, txerr.ErrRoleMissing)

	resigned, err := signer.SignTx(context.Background(), acct.Address, tx, spec.BigID())
	require.NoError(t, err)
	from, err := spec.Sender(resigned)
	require.NoError(t, err)
	require.Equal(t, acct.Address, from)
}

func TestKeystoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	acct := chaintest.NewAccount()
	path := filepath.Join(dir, "gas-gifter.json")
	require.NoError(t, chain.WriteKeystoreFile(path, acct.Key, "secret", keystore.LightScryptN, keystore.LightScryptP))

	signer, err := chain.LoadKeystoreDir(dir, "secret")
	require.NoError(t, err)
	require.True(t, signer.Has(acct.Address))
	require.Len(t, signer.Addresses(), 1)

	_, err = chain.LoadKeystoreDir(dir, "wrong")
	require.Error(t, err)
}

func TestFakeClientReceipts(t *testing.T) {
	fake := chaintest.New()
	hash := common.HexToHash("0x01")
	_, err := fake.TransactionReceipt(context.Background(), hash)
	require.Error(t, err)
	fake.SetReceipt(hash, 1, 100)
	receipt, err := fake.TransactionReceipt(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, uint64(100), receipt.BlockNumber.Uint64())
}
