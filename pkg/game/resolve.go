package game

import "fmt"

// ResolutionKind tags a BetResolution.
type ResolutionKind uint8

const (
	ResolutionWon ResolutionKind = iota
	ResolutionLost
	ResolutionPush
)

func (k ResolutionKind) String() string {
	switch k {
	case ResolutionWon:
		return "won"
	case ResolutionLost:
		return "lost"
	case ResolutionPush:
		return "push"
	}
	return fmt.Sprintf("resolution(%d)", uint8(k))
}

// BetResolution is the outcome of one standing bet after a roll. Payout is
// the total credit returned to the player, stake included, so a 1:1 win on
// a 10 token bet carries Payout 20. Lost bets carry Payout 0 and Push
// returns exactly the stake.
type BetResolution struct {
	Kind   ResolutionKind
	Bet    Bet
	Payout uint64
}

// RollOutcome is the full effect of applying one roll to the table.
type RollOutcome struct {
	NextPhase   GamePhase
	NextPoint   uint8
	Resolutions []BetResolution
}

// ResolveRoll applies a roll to the standing bets under the current phase
// and point. It is pure: callers apply the returned resolutions to
// balances themselves.
func ResolveRoll(phase GamePhase, point uint8, roll DiceRoll, bets []Bet) (RollOutcome, error) {
	if !roll.IsValid() {
		return RollOutcome{}, fmt.Errorf("%w: %d+%d", ErrInvalidDie, roll.Die1, roll.Die2)
	}
	out := RollOutcome{NextPhase: phase, NextPoint: point}
	total := roll.Total()

	for _, bet := range bets {
		switch bet.Kind {
		case BetPass:
			out.addPass(phase, point, total, bet)
		case BetDontPass:
			out.addDontPass(phase, point, total, bet)
		case BetField:
			out.addField(total, bet)
		case BetAny7:
			if total == 7 {
				out.won(bet, 5) // 4:1
			} else {
				out.lost(bet)
			}
		case BetAnyCraps:
			if total == 2 || total == 3 || total == 12 {
				out.won(bet, 8) // 7:1
			} else {
				out.lost(bet)
			}
		default:
			return RollOutcome{}, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(bet.Kind))
		}
	}

	switch phase {
	case PhaseComeOut:
		if roll.IsPoint() {
			out.NextPhase = PhasePoint
			out.NextPoint = total
		}
	case PhasePoint:
		if total == point || total == 7 {
			out.NextPhase = PhaseComeOut
			out.NextPoint = 0
		}
	}
	return out, nil
}

func (o *RollOutcome) addPass(phase GamePhase, point uint8, total uint8, bet Bet) {
	switch phase {
	case PhaseComeOut:
		switch {
		case total == 7 || total == 11:
			o.won(bet, 2) // 1:1
		case total == 2 || total == 3 || total == 12:
			o.lost(bet)
		}
		// Point established: bet rides.
	case PhasePoint:
		switch total {
		case point:
			o.won(bet, 2)
		case 7:
			o.lost(bet)
		}
	}
}

func (o *RollOutcome) addDontPass(phase GamePhase, point uint8, total uint8, bet Bet) {
	switch phase {
	case PhaseComeOut:
		switch total {
		case 2, 3:
			o.won(bet, 2)
		case 7, 11:
			o.lost(bet)
		case 12:
			o.push(bet) // bar 12
		}
	case PhasePoint:
		switch total {
		case 7:
			o.won(bet, 2)
		case point:
			o.lost(bet)
		}
	}
}

func (o *RollOutcome) addField(total uint8, bet Bet) {
	switch total {
	case 2, 12:
		o.won(bet, 3) // 2:1
	case 3, 4, 9, 10, 11:
		o.won(bet, 2)
	default:
		o.lost(bet)
	}
}

func (o *RollOutcome) won(bet Bet, multiplier uint64) {
	o.Resolutions = append(o.Resolutions, BetResolution{
		Kind:   ResolutionWon,
		Bet:    bet,
		Payout: bet.Amount * multiplier,
	})
}

func (o *RollOutcome) lost(bet Bet) {
	o.Resolutions = append(o.Resolutions, BetResolution{Kind: ResolutionLost, Bet: bet})
}

func (o *RollOutcome) push(bet Bet) {
	o.Resolutions = append(o.Resolutions, BetResolution{
		Kind:   ResolutionPush,
		Bet:    bet,
		Payout: bet.Amount,
	})
}
