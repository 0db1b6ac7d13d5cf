package state

import "errors"

var (
	ErrSequenceGap         = errors.New("state: sequence must advance by exactly one")
	ErrGameMismatch        = errors.New("state: game id mismatch")
	ErrTimeManipulation    = errors.New("state: timestamp outside acceptance window")
	ErrConservation        = errors.New("state: balance total increased without mint")
	ErrStateMismatch       = errors.New("state: proposed state does not match recomputed transition")
	ErrUnknownPlayer       = errors.New("state: player has no balance entry")
	ErrInsufficientBalance = errors.New("state: balance below requested amount")
	ErrTreasuryShortfall   = errors.New("state: treasury cannot cover payout")
	ErrGameEnded           = errors.New("state: game has ended")
	ErrWrongPhase          = errors.New("state: operation not allowed in current phase")
	ErrUnknownBet          = errors.New("state: resolution references no standing bet")
	ErrUnknownOperation    = errors.New("state: unknown operation kind")
	ErrNonMintIncrease     = errors.New("state: non-mint balance update must not increase total")
)
