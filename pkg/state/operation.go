package state

import (
	"fmt"

	"github.com/near/borsh-go"

	"github.com/meta-node-blockchain/dicemesh/pkg/game"
	"github.com/meta-node-blockchain/dicemesh/types"
)

// OpKind discriminates the closed set of operations.
type OpKind uint8

const (
	OpKindPlaceBet OpKind = iota
	OpKindCommitRandomness
	OpKindRevealRandomness
	OpKindProcessRoll
	OpKindResolvePhase
	OpKindUpdateBalances
)

func (k OpKind) String() string {
	switch k {
	case OpKindPlaceBet:
		return "place_bet"
	case OpKindCommitRandomness:
		return "commit_randomness"
	case OpKindRevealRandomness:
		return "reveal_randomness"
	case OpKindProcessRoll:
		return "process_roll"
	case OpKindResolvePhase:
		return "resolve_phase"
	case OpKindUpdateBalances:
		return "update_balances"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// Operation is the closed set of state transitions. The interface is
// sealed so every switch over operations is exhaustive by construction.
type Operation interface {
	Kind() OpKind
	isOperation()
}

// OpPlaceBet escrows a player's stake into the treasury and adds the bet
// to the standing list.
type OpPlaceBet struct {
	Player types.PeerID
	Bet    game.Bet
	Nonce  uint64
}

// OpCommitRandomness records that a player committed to a nonce for a
// randomness round. The commitment bookkeeping lives in the randomness
// manager; the state transition only advances the sequence.
type OpCommitRandomness struct {
	Player     types.PeerID
	Round      types.RoundID
	Commitment types.Hash
}

// OpRevealRandomness records a revealed nonce for a randomness round.
type OpRevealRandomness struct {
	Player types.PeerID
	Round  types.RoundID
	Nonce  [32]byte
}

// OpProcessRoll applies a consensus-generated dice roll to the table:
// standing bets resolve, balances move through the treasury and the phase
// advances per the table rules.
type OpProcessRoll struct {
	Round        types.RoundID
	Roll         game.DiceRoll
	EntropyProof []types.Hash
}

// BetRef names a standing bet by id.
type BetRef struct {
	ID [16]byte
}

// PhaseResolution settles one standing bet outside normal roll processing,
// for example refunds when a round is abandoned.
type PhaseResolution struct {
	Bet    BetRef
	Kind   game.ResolutionKind
	Payout uint64
}

// OpResolvePhase forces the table into a phase and settles the named bets.
type OpResolvePhase struct {
	NewPhase    game.GamePhase
	Resolutions []PhaseResolution
}

// BalanceChange is one signed delta against a peer's balance.
type BalanceChange struct {
	Peer  types.PeerID
	Delta int64
}

// OpUpdateBalances applies administrative balance changes: treasury
// seeding, dispute penalties, promotional credit. Mint operations may
// increase the balance total; everything else must not.
type OpUpdateBalances struct {
	Changes []BalanceChange
	Reason  string
	Mint    bool
}

func (OpPlaceBet) Kind() OpKind         { return OpKindPlaceBet }
func (OpCommitRandomness) Kind() OpKind { return OpKindCommitRandomness }
func (OpRevealRandomness) Kind() OpKind { return OpKindRevealRandomness }
func (OpProcessRoll) Kind() OpKind      { return OpKindProcessRoll }
func (OpResolvePhase) Kind() OpKind     { return OpKindResolvePhase }
func (OpUpdateBalances) Kind() OpKind   { return OpKindUpdateBalances }

func (OpPlaceBet) isOperation()         {}
func (OpCommitRandomness) isOperation() {}
func (OpRevealRandomness) isOperation() {}
func (OpProcessRoll) isOperation()      {}
func (OpResolvePhase) isOperation()     {}
func (OpUpdateBalances) isOperation()   {}

// EncodeOperation serializes an operation as a kind byte followed by the
// borsh encoding of the concrete struct. The encoding is canonical, so it
// is safe to hash and sign.
func EncodeOperation(op Operation) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch v := op.(type) {
	case OpPlaceBet:
		body, err = borsh.Serialize(v)
	case OpCommitRandomness:
		body, err = borsh.Serialize(v)
	case OpRevealRandomness:
		body, err = borsh.Serialize(v)
	case OpProcessRoll:
		body, err = borsh.Serialize(v)
	case OpResolvePhase:
		body, err = borsh.Serialize(v)
	case OpUpdateBalances:
		body, err = borsh.Serialize(v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOperation, op)
	}
	if err != nil {
		return nil, fmt.Errorf("state: encode %s: %w", op.Kind(), err)
	}
	return append([]byte{byte(op.Kind())}, body...), nil
}

// DecodeOperation inverts EncodeOperation.
func DecodeOperation(data []byte) (Operation, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnknownOperation)
	}
	kind, body := OpKind(data[0]), data[1:]
	var (
		op  Operation
		err error
	)
	switch kind {
	case OpKindPlaceBet:
		var v OpPlaceBet
		err = borsh.Deserialize(&v, body)
		op = v
	case OpKindCommitRandomness:
		var v OpCommitRandomness
		err = borsh.Deserialize(&v, body)
		op = v
	case OpKindRevealRandomness:
		var v OpRevealRandomness
		err = borsh.Deserialize(&v, body)
		op = v
	case OpKindProcessRoll:
		var v OpProcessRoll
		err = borsh.Deserialize(&v, body)
		op = v
	case OpKindResolvePhase:
		var v OpResolvePhase
		err = borsh.Deserialize(&v, body)
		op = v
	case OpKindUpdateBalances:
		var v OpUpdateBalances
		err = borsh.Deserialize(&v, body)
		op = v
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnknownOperation, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", kind, err)
	}
	return op, nil
}
