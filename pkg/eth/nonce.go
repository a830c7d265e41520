package eth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrNonceUsed = errors.New("nonce already used")

// NonceStore remembers which nonces each signer has used.
type NonceStore struct {
	mu   sync.Mutex
	used map[common.Address]map[uint64]struct{}
}

// NewNonceStore creates an empty store.
func NewNonceStore() *NonceStore {
	return &NonceStore{used: make(map[common.Address]map[uint64]struct{})}
}

// Use marks nonce as used by signer. It fails with ErrNonceUsed on replay.
func (n *NonceStore) Use(signer common.Address, nonce uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	seen, ok := n.used[signer]
	if !ok {
		seen = make(map[uint64]struct{})
		n.used[signer] = seen
	}
	if _, dup := seen[nonce]; dup {
		return fmt.Errorf("%w: %d for %s", ErrNonceUsed, nonce, signer.Hex())
	}
	seen[nonce] = struct{}{}
	return nil
}

// Used reports whether signer has used nonce.
func (n *NonceStore) Used(signer common.Address, nonce uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	_, ok := n.used[signer][nonce]
	return ok
}
