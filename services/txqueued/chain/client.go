package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"txqueue/observability"
)

// Client is the subset of the Ethereum RPC used by the queue.
type Client interface {
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// EthClient implements Client against a JSON-RPC endpoint. Calls are
// throttled by a token bucket and timed into the txqueue metrics.
type EthClient struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	limiter *rate.Limiter
	metrics *observability.TxQueueMetrics
	timeout time.Duration
}

// ClientOption customises an EthClient.
type ClientOption func(*EthClient)

// WithRateLimit caps the request rate. A non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *EthClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.TxQueueMetrics) ClientOption {
	return func(c *EthClient) { c.metrics = m }
}

// WithCallTimeout bounds each RPC call.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *EthClient) { c.timeout = d }
}

// Dial connects to the endpoint.
func Dial(ctx context.Context, endpoint string, opts ...ClientOption) (*EthClient, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	rc, err := rpc.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", trimmed, err)
	}
	return NewEthClient(rc, opts...), nil
}

// NewEthClient wraps an existing RPC connection.
func NewEthClient(rc *rpc.Client, opts ...ClientOption) *EthClient {
	c := &EthClient{rpc: rc, eth: ethclient.NewClient(rc), timeout: 15 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the connection.
func (c *EthClient) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

// ChainID queries the endpoint's chain id.
func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.call(ctx, "eth_chainId", func(ctx context.Context) error {
		var err error
		id, err = c.eth.ChainID(ctx)
		return err
	})
	return id, err
}

// SendRawTransaction submits signed bytes and returns the hash reported by the
// node.
func (c *EthClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var hash common.Hash
	err := c.call(ctx, "eth_sendRawTransaction", func(ctx context.Context) error {
		return c.rpc.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(raw))
	})
	if err != nil {
		return common.Hash{}, ClassifySend(err)
	}
	return hash, nil
}

// TransactionReceipt returns the receipt, or ethereum.NotFound while pending.
func (c *EthClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		var err error
		receipt, err = c.eth.TransactionReceipt(ctx, hash)
		return err
	})
	if err != nil {
		return nil, ClassifyRead(err)
	}
	return receipt, nil
}

// BalanceAt returns the account balance at block, or latest when nil.
func (c *EthClient) BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error) {
	var balance *big.Int
	err := c.call(ctx, "eth_getBalance", func(ctx context.Context) error {
		var err error
		balance, err = c.eth.BalanceAt(ctx, account, block)
		return err
	})
	if err != nil {
		return nil, ClassifyRead(err)
	}
	return balance, nil
}

// BlockByNumber returns a full block, or latest when number is nil.
func (c *EthClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	var block *types.Block
	err := c.call(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		block, err = c.eth.BlockByNumber(ctx, number)
		return err
	})
	if err != nil {
		return nil, ClassifyRead(err)
	}
	return block, nil
}

// BlockNumber returns the latest block height.
func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.call(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		height, err = c.eth.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, ClassifyRead(err)
	}
	return height, nil
}

// PendingNonceAt returns the next nonce the node expects for account.
func (c *EthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var n uint64
	err := c.call(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
		var err error
		n, err = c.eth.PendingNonceAt(ctx, account)
		return err
	})
	if err != nil {
		return 0, ClassifyRead(err)
	}
	return n, nil
}

func (c *EthClient) call(ctx context.Context, method string, fn func(context.Context) error) error {
	if c == nil || c.rpc == nil {
		return fmt.Errorf("chain: client not initialised")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	if errors.Is(err, ethereum.NotFound) {
		c.metrics.ObserveRPC(method, time.Since(start), nil)
		return err
	}
	c.metrics.ObserveRPC(method, time.Since(start), err)
	return err
}
