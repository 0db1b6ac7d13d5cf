// Package game models the dice game whose state the mesh agrees on: rolls,
// bets and the round phases of a craps table. All rules are pure functions
// so the consensus layer can validate any transition without side effects.
package game

import (
	"errors"
	"fmt"
	"time"

	"github.com/meta-node-blockchain/dicemesh/types"
)

var (
	ErrInvalidDie     = errors.New("game: die value must be 1-6")
	ErrZeroAmount     = errors.New("game: bet amount must be positive")
	ErrUnknownKind    = errors.New("game: unknown bet kind")
	ErrAmountTooLarge = errors.New("game: bet amount exceeds maximum")
)

// MaxBetAmount bounds stakes so that no payout multiplier can overflow
// uint64 arithmetic.
const MaxBetAmount = uint64(1) << 56

// DiceRoll is one roll of two dice.
type DiceRoll struct {
	Die1      uint8
	Die2      uint8
	Timestamp uint64
}

// NewDiceRoll validates die values and stamps the roll with the current time.
func NewDiceRoll(die1, die2 uint8) (DiceRoll, error) {
	if die1 < 1 || die1 > 6 || die2 < 1 || die2 > 6 {
		return DiceRoll{}, fmt.Errorf("%w: %d+%d", ErrInvalidDie, die1, die2)
	}
	return DiceRoll{Die1: die1, Die2: die2, Timestamp: uint64(time.Now().Unix())}, nil
}

func (r DiceRoll) Total() uint8 { return r.Die1 + r.Die2 }

func (r DiceRoll) IsValid() bool {
	return r.Die1 >= 1 && r.Die1 <= 6 && r.Die2 >= 1 && r.Die2 <= 6
}

// IsNatural reports a come-out win for the pass line.
func (r DiceRoll) IsNatural() bool { t := r.Total(); return t == 7 || t == 11 }

// IsCraps reports a come-out loss for the pass line.
func (r DiceRoll) IsCraps() bool { t := r.Total(); return t == 2 || t == 3 || t == 12 }

func (r DiceRoll) IsHardWay() bool {
	t := r.Total()
	return r.Die1 == r.Die2 && (t == 4 || t == 6 || t == 8 || t == 10)
}

// IsPoint reports whether the total establishes a point on the come-out.
func (r DiceRoll) IsPoint() bool {
	switch r.Total() {
	case 4, 5, 6, 8, 9, 10:
		return true
	}
	return false
}

func (r DiceRoll) String() string {
	return fmt.Sprintf("%d+%d=%d", r.Die1, r.Die2, r.Total())
}

// GamePhase is the table phase of a craps round.
type GamePhase uint8

const (
	PhaseComeOut GamePhase = iota
	PhasePoint
	PhaseEnded
)

func (p GamePhase) String() string {
	switch p {
	case PhaseComeOut:
		return "come_out"
	case PhasePoint:
		return "point"
	case PhaseEnded:
		return "ended"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// BetKind enumerates the bets the consensus layer validates.
type BetKind uint8

const (
	BetPass BetKind = iota
	BetDontPass
	BetField
	BetAny7
	BetAnyCraps
)

func (k BetKind) Valid() bool { return k <= BetAnyCraps }

func (k BetKind) String() string {
	switch k {
	case BetPass:
		return "pass"
	case BetDontPass:
		return "dont_pass"
	case BetField:
		return "field"
	case BetAny7:
		return "any7"
	case BetAnyCraps:
		return "any_craps"
	}
	return fmt.Sprintf("bet(%d)", uint8(k))
}

// OneRoll reports whether the bet resolves on every roll rather than
// riding until the round ends.
func (k BetKind) OneRoll() bool {
	return k == BetField || k == BetAny7 || k == BetAnyCraps
}

// Bet is a stake placed by a player. The amount is escrowed in the treasury
// balance while the bet stands.
type Bet struct {
	ID        [16]byte
	Player    types.PeerID
	Game      types.GameID
	Kind      BetKind
	Amount    uint64
	Timestamp uint64
}

// Validate performs the structural checks shared by proposal validation and
// dispute claims.
func (b *Bet) Validate() error {
	if b.Amount == 0 {
		return ErrZeroAmount
	}
	if b.Amount > MaxBetAmount {
		return fmt.Errorf("%w: %d", ErrAmountTooLarge, b.Amount)
	}
	if !b.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(b.Kind))
	}
	return nil
}
