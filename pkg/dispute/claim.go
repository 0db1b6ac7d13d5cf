package dispute

import (
	"fmt"

	"github.com/near/borsh-go"

	"github.com/meta-node-blockchain/dicemesh/pkg/game"
	"github.com/meta-node-blockchain/dicemesh/types"
)

// ClaimKind discriminates the closed set of accusations.
type ClaimKind uint8

const (
	ClaimKindInvalidBet ClaimKind = iota
	ClaimKindInvalidRoll
	ClaimKindInvalidPayout
	ClaimKindDoubleSpending
	ClaimKindConsensusViolation
)

func (k ClaimKind) String() string {
	switch k {
	case ClaimKindInvalidBet:
		return "invalid_bet"
	case ClaimKindInvalidRoll:
		return "invalid_roll"
	case ClaimKindInvalidPayout:
		return "invalid_payout"
	case ClaimKindDoubleSpending:
		return "double_spending"
	case ClaimKindConsensusViolation:
		return "consensus_violation"
	}
	return fmt.Sprintf("claim(%d)", uint8(k))
}

// Claim is the closed set of accusations a dispute can carry. The
// interface is sealed so switches stay exhaustive.
type Claim interface {
	Kind() ClaimKind
	isClaim()
}

// ClaimInvalidBet accuses a finalized bet of violating table rules.
type ClaimInvalidBet struct {
	Bet    game.Bet
	Reason string
}

// ClaimInvalidRoll accuses a roll of not matching its commit-reveal
// derivation. Expected is the seed the disputer derived from the reveals.
type ClaimInvalidRoll struct {
	Roll     game.DiceRoll
	Expected types.Hash
}

// ClaimInvalidPayout accuses a bet settlement of paying the wrong amount.
type ClaimInvalidPayout struct {
	Resolution game.BetResolution
	Expected   uint64
}

// ClaimDoubleSpending accuses a player of staking the same funds in
// overlapping bets.
type ClaimDoubleSpending struct {
	Bets []game.Bet
}

// ClaimConsensusViolation accuses a peer of protocol-level misbehavior
// such as equivocation, backed by the state hashes involved.
type ClaimConsensusViolation struct {
	Description string
	States      []types.Hash
}

func (ClaimInvalidBet) Kind() ClaimKind         { return ClaimKindInvalidBet }
func (ClaimInvalidRoll) Kind() ClaimKind        { return ClaimKindInvalidRoll }
func (ClaimInvalidPayout) Kind() ClaimKind      { return ClaimKindInvalidPayout }
func (ClaimDoubleSpending) Kind() ClaimKind     { return ClaimKindDoubleSpending }
func (ClaimConsensusViolation) Kind() ClaimKind { return ClaimKindConsensusViolation }

func (ClaimInvalidBet) isClaim()         {}
func (ClaimInvalidRoll) isClaim()        {}
func (ClaimInvalidPayout) isClaim()      {}
func (ClaimDoubleSpending) isClaim()     {}
func (ClaimConsensusViolation) isClaim() {}

// ValidateClaim checks that a claim is well-formed enough for peers to
// evaluate it. It does not judge whether the accusation is true; that is
// what the vote decides.
func ValidateClaim(claim Claim) error {
	switch c := claim.(type) {
	case ClaimInvalidBet:
		if c.Reason == "" {
			return fmt.Errorf("%w: invalid-bet claim needs a reason", ErrInvalidClaim)
		}
		if c.Bet.Amount == 0 {
			return fmt.Errorf("%w: disputed bet has no stake", ErrInvalidClaim)
		}
	case ClaimInvalidRoll:
		if !c.Roll.IsValid() {
			return fmt.Errorf("%w: disputed roll %d+%d is not a table roll",
				ErrInvalidClaim, c.Roll.Die1, c.Roll.Die2)
		}
		if c.Expected == (types.Hash{}) {
			return fmt.Errorf("%w: invalid-roll claim needs the expected derivation", ErrInvalidClaim)
		}
	case ClaimInvalidPayout:
		if c.Resolution.Bet.Amount == 0 {
			return fmt.Errorf("%w: disputed resolution has no stake", ErrInvalidClaim)
		}
		if c.Expected == c.Resolution.Payout {
			return fmt.Errorf("%w: expected payout equals the disputed payout", ErrInvalidClaim)
		}
	case ClaimDoubleSpending:
		if len(c.Bets) < 2 {
			return fmt.Errorf("%w: double-spend claim needs at least two bets", ErrInvalidClaim)
		}
		player := c.Bets[0].Player
		for _, bet := range c.Bets[1:] {
			if bet.Player != player {
				return fmt.Errorf("%w: double-spend bets name different players", ErrInvalidClaim)
			}
		}
	case ClaimConsensusViolation:
		if c.Description == "" {
			return fmt.Errorf("%w: violation claim needs a description", ErrInvalidClaim)
		}
		if len(c.States) == 0 {
			return fmt.Errorf("%w: violation claim needs the states involved", ErrInvalidClaim)
		}
	default:
		return fmt.Errorf("%w: %T", ErrInvalidClaim, claim)
	}
	return nil
}

// EncodeClaim serializes a claim as a kind byte plus the borsh encoding of
// the concrete struct, the same envelope the state operations use.
func EncodeClaim(claim Claim) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch c := claim.(type) {
	case ClaimInvalidBet:
		body, err = borsh.Serialize(c)
	case ClaimInvalidRoll:
		body, err = borsh.Serialize(c)
	case ClaimInvalidPayout:
		body, err = borsh.Serialize(c)
	case ClaimDoubleSpending:
		body, err = borsh.Serialize(c)
	case ClaimConsensusViolation:
		body, err = borsh.Serialize(c)
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidClaim, claim)
	}
	if err != nil {
		return nil, fmt.Errorf("dispute: encode %s: %w", claim.Kind(), err)
	}
	return append([]byte{byte(claim.Kind())}, body...), nil
}

// DecodeClaim inverts EncodeClaim.
func DecodeClaim(data []byte) (Claim, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidClaim)
	}
	kind, body := ClaimKind(data[0]), data[1:]
	var (
		claim Claim
		err   error
	)
	switch kind {
	case ClaimKindInvalidBet:
		var c ClaimInvalidBet
		err = borsh.Deserialize(&c, body)
		claim = c
	case ClaimKindInvalidRoll:
		var c ClaimInvalidRoll
		err = borsh.Deserialize(&c, body)
		claim = c
	case ClaimKindInvalidPayout:
		var c ClaimInvalidPayout
		err = borsh.Deserialize(&c, body)
		claim = c
	case ClaimKindDoubleSpending:
		var c ClaimDoubleSpending
		err = borsh.Deserialize(&c, body)
		claim = c
	case ClaimKindConsensusViolation:
		var c ClaimConsensusViolation
		err = borsh.Deserialize(&c, body)
		claim = c
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidClaim, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("dispute: decode %s: %w", kind, err)
	}
	return claim, nil
}
