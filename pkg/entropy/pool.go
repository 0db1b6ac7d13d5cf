// Package entropy maintains a mixing pool that folds peer-contributed
// randomness into locally generated entropy. Drawing from the pool never
// exposes contributor input directly: output blocks are keccak expansions
// of the pool state combined with fresh CSPRNG salt.
package entropy

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

type Pool struct {
	mu      sync.Mutex
	state   [32]byte
	counter uint64
}

// NewPool seeds the pool from the operating system CSPRNG.
func NewPool() (*Pool, error) {
	p := &Pool{}
	if _, err := rand.Read(p.state[:]); err != nil {
		return nil, fmt.Errorf("entropy: seed pool: %w", err)
	}
	return p, nil
}

// AddEntropy folds a contribution into the pool state.
func (p *Pool) AddEntropy(contribution [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = crypto.Keccak256Hash(p.state[:], contribution[:])
}

// Draw returns n bytes derived from the pool. Each call advances the pool
// counter and mixes in fresh CSPRNG salt, so two draws never repeat even
// with no contributions in between.
func (p *Pool) Draw(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]byte, 0, n)
	var block [8]byte
	for len(out) < n {
		var salt [16]byte
		if _, err := rand.Read(salt[:]); err != nil {
			return nil, fmt.Errorf("entropy: draw salt: %w", err)
		}
		binary.BigEndian.PutUint64(block[:], p.counter)
		p.counter++
		digest := crypto.Keccak256(p.state[:], block[:], salt[:])
		p.state = crypto.Keccak256Hash(p.state[:], digest)
		out = append(out, digest...)
	}
	return out[:n], nil
}
