// Package chain adapts go-ethereum to the narrow RPC and signing surface the
// transaction queue consumes.
package chain

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// DefaultEngine is the engine prefix used when a spec names only a chain id.
const DefaultEngine = "evm"

// Spec identifies a chain as engine:chainID, e.g. "evm:1".
type Spec struct {
	Engine  string
	ChainID uint64
}

// ParseSpec parses "engine:id" or a bare numeric id.
func ParseSpec(raw string) (Spec, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Spec{}, fmt.Errorf("chain: spec required")
	}
	engine, idPart, found := strings.Cut(trimmed, ":")
	if !found {
		engine, idPart = DefaultEngine, trimmed
	}
	engine = strings.ToLower(strings.TrimSpace(engine))
	if engine == "" {
		return Spec{}, fmt.Errorf("chain: engine required in %q", raw)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(idPart), 10, 64)
	if err != nil {
		return Spec{}, fmt.Errorf("chain: parse chain id %q: %w", idPart, err)
	}
	return Spec{Engine: engine, ChainID: id}, nil
}

// MustParseSpec is ParseSpec that panics on error. Intended for tests and
// constants.
func MustParseSpec(raw string) Spec {
	spec, err := ParseSpec(raw)
	if err != nil {
		panic(err)
	}
	return spec
}

func (s Spec) String() string { return fmt.Sprintf("%s:%d", s.Engine, s.ChainID) }

// BigID returns the chain id as a big.Int.
func (s Spec) BigID() *big.Int { return new(big.Int).SetUint64(s.ChainID) }

// Signer returns the go-ethereum signer accepting every transaction type the
// chain supports.
func (s Spec) Signer() types.Signer { return types.LatestSignerForChainID(s.BigID()) }

// Decode parses signed transaction bytes in either typed or legacy encoding.
func Decode(raw []byte) (*types.Transaction, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("chain: empty transaction")
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("chain: decode transaction: %w", err)
	}
	return tx, nil
}

// DecodeHex is Decode for 0x-prefixed hex.
func DecodeHex(raw string) (*types.Transaction, error) {
	b, err := decodeHex(raw)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// Encode serialises a signed transaction.
func Encode(tx *types.Transaction) ([]byte, error) {
	if tx == nil {
		return nil, fmt.Errorf("chain: nil transaction")
	}
	return tx.MarshalBinary()
}

// Sender recovers the signer of tx for the chain.
func (s Spec) Sender(tx *types.Transaction) (common.Address, error) {
	if tx.ChainId() != nil && tx.ChainId().Sign() != 0 && tx.ChainId().Uint64() != s.ChainID {
		return common.Address{}, fmt.Errorf("chain: transaction chain id %s does not match %s", tx.ChainId(), s)
	}
	from, err := types.Sender(s.Signer(), tx)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: recover sender: %w", err)
	}
	return from, nil
}

// HexToAddress parses an address, rejecting malformed input.
func HexToAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("chain: invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

// AddressKey renders an address in the lowercase form used as a storage key.
func AddressKey(addr common.Address) string { return strings.ToLower(addr.Hex()) }

// HashKey renders a hash in the lowercase form used as a storage key.
func HashKey(h common.Hash) string { return strings.ToLower(h.Hex()) }

func decodeHex(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		trimmed = "0x" + trimmed
	}
	b, err := hexutil.Decode(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: decode hex: %w", err)
	}
	return b, nil
}
