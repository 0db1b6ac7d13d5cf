package randomness

import (
	"fmt"
	"sort"
	"time"

	"github.com/near/borsh-go"

	"github.com/meta-node-blockchain/dicemesh/pkg/game"
	"github.com/meta-node-blockchain/dicemesh/types"
)

// Phase is the lifecycle stage of one randomness round.
type Phase uint8

const (
	PhaseCommit Phase = iota
	PhaseReveal
	PhaseComplete
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseCommit:
		return "commit"
	case PhaseReveal:
		return "reveal"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// RandomnessCommit is the broadcast form of a commitment.
type RandomnessCommit struct {
	Game       types.GameID
	Round      types.RoundID
	Player     types.PeerID
	Commitment types.Hash
}

// RandomnessReveal discloses the nonce behind an earlier commitment.
type RandomnessReveal struct {
	Game   types.GameID
	Round  types.RoundID
	Player types.PeerID
	Nonce  [32]byte
}

type commitWire struct {
	Game       [16]byte
	Round      uint64
	Player     [20]byte
	Commitment [32]byte
}

type revealWire struct {
	Game   [16]byte
	Round  uint64
	Player [20]byte
	Nonce  [32]byte
}

func EncodeCommit(c *RandomnessCommit) ([]byte, error) {
	return borsh.Serialize(commitWire{
		Game:       c.Game,
		Round:      uint64(c.Round),
		Player:     c.Player,
		Commitment: c.Commitment,
	})
}

func DecodeCommit(data []byte) (*RandomnessCommit, error) {
	var wire commitWire
	if err := borsh.Deserialize(&wire, data); err != nil {
		return nil, fmt.Errorf("decode commit: %w", err)
	}
	return &RandomnessCommit{
		Game:       types.GameID(wire.Game),
		Round:      types.RoundID(wire.Round),
		Player:     types.PeerID(wire.Player),
		Commitment: types.Hash(wire.Commitment),
	}, nil
}

func EncodeReveal(r *RandomnessReveal) ([]byte, error) {
	return borsh.Serialize(revealWire{
		Game:   r.Game,
		Round:  uint64(r.Round),
		Player: r.Player,
		Nonce:  r.Nonce,
	})
}

func DecodeReveal(data []byte) (*RandomnessReveal, error) {
	var wire revealWire
	if err := borsh.Deserialize(&wire, data); err != nil {
		return nil, fmt.Errorf("decode reveal: %w", err)
	}
	return &RandomnessReveal{
		Game:   types.GameID(wire.Game),
		Round:  types.RoundID(wire.Round),
		Player: types.PeerID(wire.Player),
		Nonce:  wire.Nonce,
	}, nil
}

// round is the manager's bookkeeping for one commit-reveal exchange.
type round struct {
	id             types.RoundID
	phase          Phase
	commitments    map[types.PeerID]types.Hash
	reveals        map[types.PeerID][32]byte
	excluded       map[types.PeerID]bool
	commitDeadline time.Time
	revealDeadline time.Time
	roll           *game.DiceRoll
	proof          []types.Hash
}

func newRound(id types.RoundID, commitDeadline time.Time) *round {
	return &round{
		id:             id,
		phase:          PhaseCommit,
		commitments:    make(map[types.PeerID]types.Hash),
		reveals:        make(map[types.PeerID][32]byte),
		excluded:       make(map[types.PeerID]bool),
		commitDeadline: commitDeadline,
	}
}

// proofOf lists the commitments backing the included reveals in peer
// order, the audit trail carried alongside the roll.
func (r *round) proofOf() []types.Hash {
	peers := make([]types.PeerID, 0, len(r.reveals))
	for peer := range r.reveals {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		return string(peers[i][:]) < string(peers[j][:])
	})
	proof := make([]types.Hash, 0, len(peers))
	for _, peer := range peers {
		proof = append(proof, r.commitments[peer])
	}
	return proof
}
