package state

import (
	"fmt"
)

// Validate checks that next is the legitimate successor of prev under op.
// now is the validator's local unix time and window the tolerated clock
// skew in seconds. The final check recomputes the transition and compares
// hashes, so a proposal cannot smuggle in side effects the operation does
// not produce.
func Validate(prev, next *GameConsensusState, op Operation, now, window uint64) error {
	if prev.GameID != next.GameID {
		return fmt.Errorf("%w: %s vs %s", ErrGameMismatch, prev.GameID, next.GameID)
	}
	if next.Sequence != prev.Sequence+1 {
		return fmt.Errorf("%w: %d -> %d", ErrSequenceGap, prev.Sequence, next.Sequence)
	}
	if err := CheckTimestamp(next.Timestamp, now, window); err != nil {
		return err
	}

	if !isMint(op) && next.TotalBalance() > prev.TotalBalance() {
		return fmt.Errorf("%w: %d -> %d", ErrConservation, prev.TotalBalance(), next.TotalBalance())
	}

	recomputed, err := prev.Apply(op, next.Timestamp)
	if err != nil {
		return err
	}
	if recomputed.StateHash != next.ComputeHash() || recomputed.StateHash != next.StateHash {
		return fmt.Errorf("%w: recomputed %s, proposed %s",
			ErrStateMismatch, recomputed.StateHash.Hex(), next.StateHash.Hex())
	}
	return nil
}

// CheckTimestamp enforces the acceptance window [now-window, now+window].
func CheckTimestamp(ts, now, window uint64) error {
	if ts+window < now || ts > now+window {
		return fmt.Errorf("%w: ts %d, local %d, window %ds", ErrTimeManipulation, ts, now, window)
	}
	return nil
}

func isMint(op Operation) bool {
	update, ok := op.(OpUpdateBalances)
	return ok && update.Mint
}
