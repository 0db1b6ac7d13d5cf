package dispute

import "errors"

var (
	ErrInvalidClaim       = errors.New("dispute: malformed claim")
	ErrInvalidEvidence    = errors.New("dispute: malformed evidence")
	ErrForgedDispute      = errors.New("dispute: id or signature does not match content")
	ErrUnknownDispute     = errors.New("dispute: unknown dispute")
	ErrNotParticipant     = errors.New("dispute: peer is not a participant")
	ErrAlreadyVoted       = errors.New("dispute: peer already voted")
	ErrVotingClosed       = errors.New("dispute: voting is closed")
	ErrVotingInProgress   = errors.New("dispute: voting is still in progress")
	ErrMoreEvidenceNeeded = errors.New("dispute: voters requested more evidence")
)
