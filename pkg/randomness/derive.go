package randomness

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/meta-node-blockchain/dicemesh/pkg/game"
	"github.com/meta-node-blockchain/dicemesh/types"
)

// Domain tags keep commitment hashes and roll seeds from ever colliding
// with each other or with hashes computed elsewhere in the protocol.
var (
	commitDomain = []byte("dicemesh/commit/v1")
	rollDomain   = []byte("dicemesh/roll/v1")
)

// Commitment binds a peer to a nonce for one round without disclosing it.
// The peer and round are part of the preimage, so a commitment cannot be
// replayed by another peer or into another round.
func Commitment(gameID types.GameID, round types.RoundID, peer types.PeerID, nonce [32]byte) types.Hash {
	var roundBuf [8]byte
	binary.BigEndian.PutUint64(roundBuf[:], uint64(round))
	return crypto.Keccak256Hash(commitDomain, gameID[:], roundBuf[:], peer[:], nonce[:])
}

// DeriveRoll turns the revealed nonces into two dice. The derivation is a
// pure function of the reveals, so every peer holding them computes the
// identical roll.
func DeriveRoll(gameID types.GameID, round types.RoundID, reveals map[types.PeerID][32]byte, timestamp uint64) game.DiceRoll {
	seed := rollSeed(gameID, round, reveals)
	return game.DiceRoll{
		Die1:      sampleDie(seed, 1),
		Die2:      sampleDie(seed, 2),
		Timestamp: timestamp,
	}
}

// VerifyRoll recomputes the dice from the reveals and compares. The roll
// timestamp is proposer-chosen and not covered.
func VerifyRoll(gameID types.GameID, round types.RoundID, reveals map[types.PeerID][32]byte, roll game.DiceRoll) error {
	derived := DeriveRoll(gameID, round, reveals, roll.Timestamp)
	if derived.Die1 != roll.Die1 || derived.Die2 != roll.Die2 {
		return fmt.Errorf("%w: derived %s, claimed %s", ErrRollMismatch, derived, roll)
	}
	return nil
}

// rollSeed XORs the nonces and hashes the mix under the roll domain. XOR
// is commutative, so map iteration order does not matter; the revealer
// count is included so dropping a zero nonce still changes the seed.
func rollSeed(gameID types.GameID, round types.RoundID, reveals map[types.PeerID][32]byte) types.Hash {
	var combined [32]byte
	for _, nonce := range reveals {
		for i := range combined {
			combined[i] ^= nonce[i]
		}
	}
	var roundBuf [8]byte
	binary.BigEndian.PutUint64(roundBuf[:], uint64(round))
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(reveals)))
	return crypto.Keccak256Hash(rollDomain, gameID[:], roundBuf[:], combined[:], countBuf[:])
}

// sampleLimit is the largest multiple of six below 2^64. Draws at or above
// it fall in the biased tail and are rejected.
const sampleLimit = (math.MaxUint64 / 6) * 6

// sampleDie maps the seed to a fair die value. A plain modulo would favor
// 1-4 by a sliver; instead draws in the tail re-hash with an attempt
// counter until one lands below the limit. The retry probability is
// 4/2^64 per draw, so the loop terminates immediately in practice.
func sampleDie(seed types.Hash, die uint8) uint8 {
	for attempt := uint64(0); ; attempt++ {
		var attemptBuf [8]byte
		binary.BigEndian.PutUint64(attemptBuf[:], attempt)
		digest := crypto.Keccak256(seed[:], []byte{die}, attemptBuf[:])
		v := binary.BigEndian.Uint64(digest[:8])
		if v < sampleLimit {
			return uint8(v%6) + 1
		}
	}
}
