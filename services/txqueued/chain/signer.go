package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"txqueue/services/txqueued/txerr"
)

// Signer re-signs transactions on behalf of custodial accounts.
type Signer interface {
	Has(from common.Address) bool
	SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner holds decrypted keys in memory.
type KeySigner struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewKeySigner constructs a signer from raw keys.
func NewKeySigner(keys ...*ecdsa.PrivateKey) *KeySigner {
	s := &KeySigner{keys: make(map[common.Address]*ecdsa.PrivateKey, len(keys))}
	for _, key := range keys {
		s.Add(key)
	}
	return s
}

// Add registers a key and returns its address.
func (s *KeySigner) Add(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	s.mu.Lock()
	s.keys[addr] = key
	s.mu.Unlock()
	return addr
}

// Has reports whether a key is held for from.
func (s *KeySigner) Has(from common.Address) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[from]
	return ok
}

// Addresses lists the accounts the signer can act for.
func (s *KeySigner) Addresses() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Address, 0, len(s.keys))
	for addr := range s.keys {
		out = append(out, addr)
	}
	return out
}

// SignTx signs tx with the key for from. A missing key is reported as
// txerr.ErrRoleMissing.
func (s *KeySigner) SignTx(_ context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: signer not configured", txerr.ErrRoleMissing)
	}
	s.mu.RLock()
	key, ok := s.keys[from]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no signing key for %s", txerr.ErrRoleMissing, from.Hex())
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("chain: sign: %w", err)
	}
	return signed, nil
}

// LoadKeystoreDir decrypts every v3 keystore file in dir with passphrase.
func LoadKeystoreDir(dir, passphrase string) (*KeySigner, error) {
	if dir == "" {
		return nil, errors.New("chain: empty keystore directory")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("chain: read keystore: %w", err)
	}
	signer := NewKeySigner()
	for _, entry := range entries {
		if entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		keyJSON, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("chain: read %s: %w", entry.Name(), err)
		}
		decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
		if err != nil {
			return nil, fmt.Errorf("chain: decrypt %s: %w", entry.Name(), err)
		}
		signer.Add(decrypted.PrivateKey)
	}
	return signer, nil
}

// WriteKeystoreFile encrypts key into an Ethereum v3 keystore file at path.
// The parent directory is created with 0700 permissions.
func WriteKeystoreFile(path string, key *ecdsa.PrivateKey, passphrase string, scryptN, scryptP int) error {
	if key == nil {
		return errors.New("chain: nil private key")
	}
	if path == "" {
		return errors.New("chain: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmpDir, err := os.MkdirTemp(dir, ".keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	ks := keystore.NewKeyStore(tmpDir, scryptN, scryptP)
	if _, err := ks.ImportECDSA(key, passphrase); err != nil {
		return err
	}
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("chain: failed to create keystore file")
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(filepath.Join(tmpDir, entries[0].Name()), path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}
