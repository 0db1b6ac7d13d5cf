package state

import (
	"fmt"

	"github.com/meta-node-blockchain/dicemesh/pkg/game"
	"github.com/meta-node-blockchain/dicemesh/types"
)

// Apply executes op against s and returns the sealed successor state
// stamped with ts. It is deterministic: every peer applying the same op
// with the same timestamp to the same state produces an identical
// successor, which is what proposal validation recomputes.
func (s *GameConsensusState) Apply(op Operation, ts uint64) (*GameConsensusState, error) {
	if s.Phase == game.PhaseEnded && op.Kind() != OpKindUpdateBalances {
		return nil, ErrGameEnded
	}

	next := s.Clone()
	next.Sequence = s.Sequence + 1
	next.Timestamp = ts

	var err error
	switch v := op.(type) {
	case OpPlaceBet:
		err = next.applyPlaceBet(v)
	case OpCommitRandomness, OpRevealRandomness:
		// Commit and reveal bookkeeping lives in the randomness manager;
		// the shared state only witnesses that the round advanced.
	case OpProcessRoll:
		err = next.applyProcessRoll(v)
	case OpResolvePhase:
		err = next.applyResolvePhase(v)
	case OpUpdateBalances:
		err = next.applyUpdateBalances(v)
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownOperation, op)
	}
	if err != nil {
		return nil, err
	}
	next.Seal()
	return next, nil
}

func (s *GameConsensusState) applyPlaceBet(op OpPlaceBet) error {
	if err := op.Bet.Validate(); err != nil {
		return err
	}
	if op.Bet.Player != op.Player {
		return fmt.Errorf("%w: bet player %s, operation player %s",
			ErrUnknownPlayer, op.Bet.Player.Hex(), op.Player.Hex())
	}
	balance, ok := s.Balances[op.Player]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, op.Player.Hex())
	}
	if balance < op.Bet.Amount {
		return fmt.Errorf("%w: balance %d, stake %d", ErrInsufficientBalance, balance, op.Bet.Amount)
	}
	// Line bets join the table on the come-out only; one-roll bets ride any
	// phase.
	if !op.Bet.Kind.OneRoll() && s.Phase != game.PhaseComeOut {
		return fmt.Errorf("%w: %s during %s", ErrWrongPhase, op.Bet.Kind, s.Phase)
	}
	s.Balances[op.Player] = balance - op.Bet.Amount
	s.Balances[TreasuryAccount] += op.Bet.Amount
	s.Bets = append(s.Bets, op.Bet)
	return nil
}

func (s *GameConsensusState) applyProcessRoll(op OpProcessRoll) error {
	outcome, err := game.ResolveRoll(s.Phase, s.Point, op.Roll, s.Bets)
	if err != nil {
		return err
	}
	resolved := make(map[[16]byte]bool, len(outcome.Resolutions))
	for _, res := range outcome.Resolutions {
		resolved[res.Bet.ID] = true
		if res.Payout == 0 {
			continue
		}
		if err := s.payFromTreasury(res.Bet.Player, res.Payout); err != nil {
			return err
		}
	}
	s.Bets = removeBets(s.Bets, resolved)
	s.Phase = outcome.NextPhase
	s.Point = outcome.NextPoint
	return nil
}

func (s *GameConsensusState) applyResolvePhase(op OpResolvePhase) error {
	standing := make(map[[16]byte]game.Bet, len(s.Bets))
	for _, bet := range s.Bets {
		standing[bet.ID] = bet
	}
	resolved := make(map[[16]byte]bool, len(op.Resolutions))
	for _, res := range op.Resolutions {
		bet, ok := standing[res.Bet.ID]
		if !ok {
			return fmt.Errorf("%w: %x", ErrUnknownBet, res.Bet.ID)
		}
		if resolved[res.Bet.ID] {
			return fmt.Errorf("%w: %x settled twice", ErrUnknownBet, res.Bet.ID)
		}
		resolved[res.Bet.ID] = true
		if res.Payout == 0 {
			continue
		}
		if err := s.payFromTreasury(bet.Player, res.Payout); err != nil {
			return err
		}
	}
	s.Bets = removeBets(s.Bets, resolved)
	s.Phase = op.NewPhase
	if op.NewPhase != game.PhasePoint {
		s.Point = 0
	}
	return nil
}

func (s *GameConsensusState) applyUpdateBalances(op OpUpdateBalances) error {
	if !op.Mint {
		var sum int64
		for _, change := range op.Changes {
			sum += change.Delta
		}
		if sum > 0 {
			return fmt.Errorf("%w: net +%d (%s)", ErrNonMintIncrease, sum, op.Reason)
		}
	}
	for _, change := range op.Changes {
		balance, ok := s.Balances[change.Peer]
		if !ok && !op.Mint {
			return fmt.Errorf("%w: %s", ErrUnknownPlayer, change.Peer.Hex())
		}
		if change.Delta < 0 {
			debit := uint64(-change.Delta)
			if balance < debit {
				// Penalties slash down to zero instead of failing the op.
				debit = balance
			}
			s.Balances[change.Peer] = balance - debit
		} else {
			s.Balances[change.Peer] = balance + uint64(change.Delta)
		}
	}
	return nil
}

func (s *GameConsensusState) payFromTreasury(peer types.PeerID, amount uint64) error {
	float := s.Balances[TreasuryAccount]
	if float < amount {
		return fmt.Errorf("%w: float %d, payout %d", ErrTreasuryShortfall, float, amount)
	}
	if _, ok := s.Balances[peer]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, peer.Hex())
	}
	s.Balances[TreasuryAccount] = float - amount
	s.Balances[peer] += amount
	return nil
}

func removeBets(bets []game.Bet, resolved map[[16]byte]bool) []game.Bet {
	if len(resolved) == 0 {
		return bets
	}
	kept := bets[:0]
	for _, bet := range bets {
		if !resolved[bet.ID] {
			kept = append(kept, bet)
		}
	}
	return kept
}
