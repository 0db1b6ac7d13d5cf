package state

import (
	"fmt"

	"github.com/near/borsh-go"

	"github.com/meta-node-blockchain/dicemesh/pkg/game"
	"github.com/meta-node-blockchain/dicemesh/types"
)

type stateRecord struct {
	GameID    [16]byte
	Sequence  uint64
	StateHash [32]byte
	Timestamp uint64
	Phase     uint8
	Point     uint8
	Balances  []balanceEntry
	Bets      []game.Bet
}

// Marshal encodes the full state, hash included, for persistence and
// state-sync transfer.
func (s *GameConsensusState) Marshal() ([]byte, error) {
	rec := stateRecord{
		GameID:    s.GameID,
		Sequence:  s.Sequence,
		StateHash: s.StateHash,
		Timestamp: s.Timestamp,
		Phase:     uint8(s.Phase),
		Point:     s.Point,
		Balances:  sortedBalances(s.Balances),
		Bets:      s.Bets,
	}
	data, err := borsh.Serialize(rec)
	if err != nil {
		return nil, fmt.Errorf("state: marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a state produced by Marshal. The embedded hash is
// checked against a recompute so corrupted or tampered records are
// rejected.
func Unmarshal(data []byte) (*GameConsensusState, error) {
	var rec stateRecord
	if err := borsh.Deserialize(&rec, data); err != nil {
		return nil, fmt.Errorf("state: unmarshal: %w", err)
	}
	balances := make(map[types.PeerID]uint64, len(rec.Balances))
	for _, entry := range rec.Balances {
		balances[types.PeerID(entry.Peer)] = entry.Amount
	}
	s := &GameConsensusState{
		GameID:    types.GameID(rec.GameID),
		Sequence:  rec.Sequence,
		StateHash: types.Hash(rec.StateHash),
		Timestamp: rec.Timestamp,
		Phase:     game.GamePhase(rec.Phase),
		Point:     rec.Point,
		Balances:  balances,
		Bets:      rec.Bets,
	}
	if s.ComputeHash() != s.StateHash {
		return nil, fmt.Errorf("%w: stored hash %s", ErrStateMismatch, s.StateHash.Hex())
	}
	return s, nil
}
