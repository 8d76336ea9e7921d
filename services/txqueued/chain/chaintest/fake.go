// Package chaintest provides an in-memory chain.Client and signing helpers for
// tests of the queue components.
package chaintest

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"txqueue/services/txqueued/chain"
)

// Client is a scriptable chain.Client.
type Client struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	receipts map[common.Hash]*types.Receipt
	blocks   map[uint64]*types.Block
	pending  map[common.Address]uint64
	head     uint64
	sent     [][]byte

	// SendErr, when set, decides the outcome of each submission.
	SendErr func(tx *types.Transaction) error
	// BalanceErr, when set, is returned by BalanceAt.
	BalanceErr error
}

var _ chain.Client = (*Client)(nil)

// New returns an empty fake chain.
func New() *Client {
	return &Client{
		balances: make(map[common.Address]*big.Int),
		receipts: make(map[common.Hash]*types.Receipt),
		blocks:   make(map[uint64]*types.Block),
		pending:  make(map[common.Address]uint64),
	}
}

// SetBalance sets the balance of account.
func (c *Client) SetBalance(account common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[account] = new(big.Int).Set(wei)
}

// SetPendingNonce sets the pending nonce reported for account.
func (c *Client) SetPendingNonce(account common.Address, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[account] = nonce
}

// SetReceipt registers a receipt for hash.
func (c *Client) SetReceipt(hash common.Hash, status uint64, block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[hash] = &types.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(block),
	}
}

// AddBlock appends a block at number holding txs and moves the head.
func (c *Client) AddBlock(number uint64, txs ...*types.Transaction) *types.Block {
	header := &types.Header{Number: new(big.Int).SetUint64(number), Difficulty: big.NewInt(0)}
	block := types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[number] = block
	if number > c.head {
		c.head = number
	}
	return block
}

// Sent returns the raw transactions accepted so far.
func (c *Client) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// SendRawTransaction implements chain.Client.
func (c *Client) SendRawTransaction(_ context.Context, raw []byte) (common.Hash, error) {
	tx, err := chain.Decode(raw)
	if err != nil {
		return common.Hash{}, err
	}
	if c.SendErr != nil {
		if err := c.SendErr(tx); err != nil {
			return common.Hash{}, chain.ClassifySend(err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), raw...))
	return tx.Hash(), nil
}

// TransactionReceipt implements chain.Client.
func (c *Client) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// BalanceAt implements chain.Client.
func (c *Client) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if c.BalanceErr != nil {
		return nil, c.BalanceErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if bal, ok := c.balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

// BlockByNumber implements chain.Client.
func (c *Client) BlockByNumber(_ context.Context, number *big.Int) (*types.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.head
	if number != nil {
		n = number.Uint64()
	}
	block, ok := c.blocks[n]
	if !ok {
		return nil, ethereum.NotFound
	}
	return block, nil
}

// BlockNumber implements chain.Client.
func (c *Client) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

// PendingNonceAt implements chain.Client.
func (c *Client) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[account], nil
}

// Account is a generated key pair.
type Account struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// NewAccount generates a fresh key.
func NewAccount() Account {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return Account{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}
}

// LegacyTx signs a legacy transfer from acct.
func LegacyTx(spec chain.Spec, acct Account, nonce uint64, to common.Address, value, gasPrice *big.Int) *types.Transaction {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      21000,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, spec.Signer(), acct.Key)
	if err != nil {
		panic(err)
	}
	return signed
}

// DynamicTx signs an EIP-1559 transfer from acct.
func DynamicTx(spec chain.Spec, acct Account, nonce uint64, to common.Address, value, tip, feeCap *big.Int) *types.Transaction {
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   spec.BigID(),
		Nonce:     nonce,
		To:        &to,
		Value:     value,
		Gas:       21000,
		GasTipCap: tip,
		GasFeeCap: feeCap,
	})
	signed, err := types.SignTx(tx, spec.Signer(), acct.Key)
	if err != nil {
		panic(err)
	}
	return signed
}

// Raw encodes a signed transaction.
func Raw(tx *types.Transaction) []byte {
	raw, err := tx.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return raw
}
