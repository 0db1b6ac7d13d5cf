package consensus

import (
	"fmt"
	"time"

	"github.com/meta-node-blockchain/dicemesh/pkg/events"
	"github.com/meta-node-blockchain/dicemesh/pkg/logger"
	"github.com/meta-node-blockchain/dicemesh/pkg/state"
	"github.com/meta-node-blockchain/dicemesh/types"
)

// forkBranch tracks a competing chain head and the distinct peers seen
// supporting it. Weight is the supporter count; signatures already
// checked at the message layer are not re-verified here.
type forkBranch struct {
	head       *state.GameConsensusState
	supporters map[types.PeerID]bool
	firstSeen  time.Time
}

func (b *forkBranch) weight() int { return len(b.supporters) }

// HandleFork registers remote as a competing head supported by one peer.
// State sync delivers these when a peer answers with a head that does not
// extend ours. The branch is adopted once byzantine-threshold many
// distinct peers support it.
func (e *Engine) HandleFork(remote *state.GameConsensusState, supporter types.PeerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.participants[supporter] {
		return fmt.Errorf("%w: supporter %s", ErrUnknownPeer, supporter.Hex())
	}
	if remote == nil || remote.GameID != e.gameID {
		return fmt.Errorf("%w: fork head for wrong game", ErrInvalidProposal)
	}
	if remote.ComputeHash() != remote.StateHash {
		return fmt.Errorf("%w: fork head hash does not match contents", ErrInvalidProposal)
	}
	e.registerForkLocked(remote, supporter)
	return nil
}

func (e *Engine) registerForkLocked(head *state.GameConsensusState, supporter types.PeerID) {
	current := e.current.Load()
	if head.StateHash == current.StateHash {
		return
	}
	// A head we already moved past carries no information.
	if head.Sequence < current.Sequence {
		return
	}

	branch, ok := e.forks[head.StateHash]
	if !ok {
		branch = &forkBranch{
			head:       head,
			supporters: make(map[types.PeerID]bool),
			firstSeen:  time.Now(),
		}
		e.forks[head.StateHash] = branch
		e.metrics.ForksDetected.Add(1)
		logger.Warn("fork detected at seq %d: ours %s, theirs %s",
			head.Sequence, current.StateHash.Hex(), head.StateHash.Hex())
		e.publish(events.ForkDetected{Ours: current.StateHash, Theirs: head.StateHash})
		e.evictWeakestForkLocked()
	}
	branch.supporters[supporter] = true
	e.resolveForkLocked(branch)
}

// resolveForkLocked adopts a branch once enough distinct peers stand
// behind it. A longer branch always wins; at equal length the
// lexicographically lower hash wins so every honest peer converges on the
// same head regardless of arrival order.
func (e *Engine) resolveForkLocked(branch *forkBranch) {
	if branch.weight() < e.required() {
		return
	}
	current := e.current.Load()
	head := branch.head

	adopt := false
	switch {
	case head.Sequence > current.Sequence:
		adopt = true
	case head.Sequence == current.Sequence:
		adopt = lowerHash(head.StateHash, current.StateHash)
	}
	if !adopt {
		delete(e.forks, head.StateHash)
		return
	}

	logger.Warn("adopting fork head seq %d (%s) backed by %d peers",
		head.Sequence, head.StateHash.Hex(), branch.weight())
	e.current.Store(head)
	delete(e.forks, head.StateHash)

	if e.archive != nil {
		if err := e.archive.SaveState(head); err != nil {
			logger.Error("persist adopted fork head %d: %v", head.Sequence, err)
		}
	}
	e.publish(events.StateFinalized{State: head})

	// Rounds built on the abandoned head cannot finalize anymore.
	for id, entry := range e.pending {
		if entry.proposal.PrevStateHash != head.StateHash {
			delete(e.pending, id)
			e.markDecidedLocked(id)
			e.metrics.ProposalsExpired.Add(1)
			e.publish(events.ProposalRejected{ID: id, Reason: "superseded by fork resolution"})
		}
	}
	for hash, other := range e.forks {
		if other.head.Sequence <= head.Sequence {
			delete(e.forks, hash)
		}
	}
}

// evictWeakestForkLocked keeps the branch table bounded. The branch with
// the fewest supporters goes first; among equals the older entry had its
// chance and goes.
func (e *Engine) evictWeakestForkLocked() {
	if len(e.forks) <= e.cfg.MaxForks {
		return
	}
	var victim types.Hash
	var victimBranch *forkBranch
	for hash, branch := range e.forks {
		if victimBranch == nil ||
			branch.weight() < victimBranch.weight() ||
			(branch.weight() == victimBranch.weight() && branch.firstSeen.Before(victimBranch.firstSeen)) {
			victim = hash
			victimBranch = branch
		}
	}
	if victimBranch != nil {
		delete(e.forks, victim)
		logger.Debug("evicted fork branch %s (weight %d)", victim.Hex(), victimBranch.weight())
	}
}

// ForkCount reports the number of live competing branches.
func (e *Engine) ForkCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.forks)
}

func lowerHash(a, b types.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
