package consensus

import "errors"

var (
	ErrInvalidProposal   = errors.New("consensus: invalid proposal")
	ErrDuplicateVote     = errors.New("consensus: conflicting vote from peer")
	ErrInvalidSignature  = errors.New("consensus: signature verification failed")
	ErrUnknownPeer       = errors.New("consensus: peer is not a participant")
	ErrUnknownProposal   = errors.New("consensus: proposal not known")
	ErrStaleOperation    = errors.New("consensus: proposal expired")
	ErrRateLimitExceeded = errors.New("consensus: peer exceeded message rate")
	ErrTooMuchContention = errors.New("consensus: too many proposals in flight")
	ErrInsufficientPeers = errors.New("consensus: not enough participants")
)
