// Package state defines the replicated game state and its transition
// function. States are immutable values: Apply returns a fresh successor
// and never mutates its receiver, so a state handed out as a snapshot stays
// valid forever. The state hash is Keccak-256 over a canonical borsh
// encoding with balances in sorted peer order, so equal states hash equal
// on every peer regardless of map iteration order.
package state

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/near/borsh-go"

	"github.com/meta-node-blockchain/dicemesh/pkg/game"
	"github.com/meta-node-blockchain/dicemesh/types"
)

// TreasuryAccount holds the table float. Bet stakes move into it and
// payouts move out of it, so the balance total is exactly conserved by
// every game operation.
var TreasuryAccount = types.PeerID{}

// GameConsensusState is one agreed version of the shared game state.
type GameConsensusState struct {
	GameID    types.GameID
	Sequence  uint64
	StateHash types.Hash
	Timestamp uint64
	Phase     game.GamePhase
	Point     uint8
	Balances  map[types.PeerID]uint64
	Bets      []game.Bet
}

// NewGenesisState builds sequence zero with every participant funded at
// initialBalance and the treasury seeded with float to pay early winners.
func NewGenesisState(gameID types.GameID, participants []types.PeerID, initialBalance, treasuryFloat uint64, timestamp uint64) *GameConsensusState {
	balances := make(map[types.PeerID]uint64, len(participants)+1)
	for _, p := range participants {
		balances[p] = initialBalance
	}
	balances[TreasuryAccount] = treasuryFloat
	s := &GameConsensusState{
		GameID:    gameID,
		Sequence:  0,
		Timestamp: timestamp,
		Phase:     game.PhaseComeOut,
		Balances:  balances,
	}
	s.StateHash = s.ComputeHash()
	return s
}

type balanceEntry struct {
	Peer   [20]byte
	Amount uint64
}

type stateEncoding struct {
	GameID    [16]byte
	Sequence  uint64
	Timestamp uint64
	Phase     uint8
	Point     uint8
	Balances  []balanceEntry
	Bets      []game.Bet
}

// ComputeHash returns the canonical digest of the state, excluding the
// StateHash field itself.
func (s *GameConsensusState) ComputeHash() types.Hash {
	enc := stateEncoding{
		GameID:    s.GameID,
		Sequence:  s.Sequence,
		Timestamp: s.Timestamp,
		Phase:     uint8(s.Phase),
		Point:     s.Point,
		Balances:  sortedBalances(s.Balances),
		Bets:      s.Bets,
	}
	data, err := borsh.Serialize(enc)
	if err != nil {
		// The encoding struct contains only fixed-size and slice fields;
		// serialization cannot fail on well-formed state.
		panic(fmt.Sprintf("state: encode for hash: %v", err))
	}
	return crypto.Keccak256Hash(data)
}

func sortedBalances(balances map[types.PeerID]uint64) []balanceEntry {
	entries := make([]balanceEntry, 0, len(balances))
	for peer, amount := range balances {
		entries = append(entries, balanceEntry{Peer: peer, Amount: amount})
	}
	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i].Peer[:]) < string(entries[j].Peer[:])
	})
	return entries
}

// Seal recomputes and stores the state hash. Callers do this after building
// a successor via Apply.
func (s *GameConsensusState) Seal() { s.StateHash = s.ComputeHash() }

// Clone deep-copies the state so the copy can be mutated freely.
func (s *GameConsensusState) Clone() *GameConsensusState {
	balances := make(map[types.PeerID]uint64, len(s.Balances))
	for peer, amount := range s.Balances {
		balances[peer] = amount
	}
	bets := make([]game.Bet, len(s.Bets))
	copy(bets, s.Bets)
	clone := *s
	clone.Balances = balances
	clone.Bets = bets
	return &clone
}

// BalanceOf returns a participant's balance, zero for unknown peers.
func (s *GameConsensusState) BalanceOf(peer types.PeerID) uint64 {
	return s.Balances[peer]
}

// TotalBalance sums every balance including the treasury.
func (s *GameConsensusState) TotalBalance() uint64 {
	var total uint64
	for _, amount := range s.Balances {
		total += amount
	}
	return total
}

func (s *GameConsensusState) String() string {
	return fmt.Sprintf("state{seq: %d, phase: %s, hash: %s}", s.Sequence, s.Phase, s.StateHash.Hex())
}
