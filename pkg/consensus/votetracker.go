package consensus

import (
	"fmt"
	"time"

	"github.com/meta-node-blockchain/dicemesh/types"
)

// VoteTracker tallies the signed votes on one proposal. A peer appears in
// at most one of the three sets; a repeat vote in the same set is
// idempotent while a vote in a different set is equivocation and is
// rejected.
type VoteTracker struct {
	Proposal  types.ProposalID
	For       map[types.PeerID]types.Signature
	Against   map[types.PeerID]types.Signature
	Abstain   map[types.PeerID]types.Signature
	CreatedAt time.Time
}

func NewVoteTracker(id types.ProposalID, at time.Time) *VoteTracker {
	return &VoteTracker{
		Proposal:  id,
		For:       make(map[types.PeerID]types.Signature),
		Against:   make(map[types.PeerID]types.Signature),
		Abstain:   make(map[types.PeerID]types.Signature),
		CreatedAt: at,
	}
}

func (vt *VoteTracker) set(choice VoteChoice) map[types.PeerID]types.Signature {
	switch choice {
	case VoteFor:
		return vt.For
	case VoteAgainst:
		return vt.Against
	case VoteAbstain:
		return vt.Abstain
	}
	return nil
}

// Lookup returns the peer's recorded choice and signature, if any.
func (vt *VoteTracker) Lookup(peer types.PeerID) (VoteChoice, types.Signature, bool) {
	for _, choice := range []VoteChoice{VoteFor, VoteAgainst, VoteAbstain} {
		if sig, ok := vt.set(choice)[peer]; ok {
			return choice, sig, true
		}
	}
	return 0, types.Signature{}, false
}

// Record stores the peer's vote. Re-recording the same choice is a no-op;
// a different choice returns ErrDuplicateVote and leaves the original
// standing.
func (vt *VoteTracker) Record(peer types.PeerID, choice VoteChoice, sig types.Signature) error {
	if vt.set(choice) == nil {
		return fmt.Errorf("%w: choice %d", ErrInvalidProposal, uint8(choice))
	}
	if prev, _, voted := vt.Lookup(peer); voted {
		if prev == choice {
			return nil
		}
		return fmt.Errorf("%w: %s voted %s then %s on %s",
			ErrDuplicateVote, peer.Hex(), prev, choice, vt.Proposal.Hex())
	}
	vt.set(choice)[peer] = sig
	return nil
}

// CountFor returns the number of approving votes.
func (vt *VoteTracker) CountFor() int { return len(vt.For) }

// CountAgainst returns the number of rejecting votes.
func (vt *VoteTracker) CountAgainst() int { return len(vt.Against) }

// Participation returns the number of distinct peers that have voted.
func (vt *VoteTracker) Participation() int {
	return len(vt.For) + len(vt.Against) + len(vt.Abstain)
}
