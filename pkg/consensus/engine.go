// Package consensus implements byzantine fault tolerant agreement on the
// shared game state. A proposal finalizes when at least floor(2n/3)+1
// participants vote for it and is rejected at the same count against;
// quorum overlap guarantees two conflicting proposals can never both
// finalize while at most floor(n/3) peers are faulty.
//
// One mutex guards all round bookkeeping. The mesh is small, so lock
// contention is bounded by peer count and a lock-free reclamation scheme
// would buy nothing here; the finalized state is still published through
// an atomic pointer so readers never touch the mutex.
package consensus

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/meta-node-blockchain/dicemesh/pkg/events"
	"github.com/meta-node-blockchain/dicemesh/pkg/identity"
	"github.com/meta-node-blockchain/dicemesh/pkg/logger"
	"github.com/meta-node-blockchain/dicemesh/pkg/state"
	"github.com/meta-node-blockchain/dicemesh/pkg/store"
	"github.com/meta-node-blockchain/dicemesh/types"
)

const decidedMemory = 256

type proposalEntry struct {
	proposal *GameProposal
	votes    *VoteTracker
	ourVote  *Vote
	received time.Time
}

type bufferedVotes struct {
	votes []*Vote
	since time.Time
}

// Engine drives consensus for one game instance.
type Engine struct {
	cfg     Config
	keyPair *identity.KeyPair
	self    types.PeerID
	gameID  types.GameID

	participants map[types.PeerID]bool

	mu           sync.Mutex
	current      atomic.Pointer[state.GameConsensusState]
	pending      map[types.ProposalID]*proposalEntry
	voteBuffer   map[types.ProposalID]*bufferedVotes
	forks        map[types.Hash]*forkBranch
	limiters     map[types.PeerID]*rate.Limiter
	decided      map[types.ProposalID]bool
	decidedOrder []types.ProposalID

	metrics Metrics
	bus     *events.Bus
	archive *store.ConsensusStore
	now     func() uint64
}

// NewEngine builds an engine seeded with genesis. bus and archive may be
// nil; events and persistence are then skipped.
func NewEngine(cfg Config, keyPair *identity.KeyPair, genesis *state.GameConsensusState, participants []types.PeerID, bus *events.Bus, archive *store.ConsensusStore) (*Engine, error) {
	if len(participants) < cfg.MinParticipants {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientPeers, len(participants), cfg.MinParticipants)
	}
	members := make(map[types.PeerID]bool, len(participants))
	for _, p := range participants {
		members[p] = true
	}
	self := keyPair.Address()
	if !members[self] {
		return nil, fmt.Errorf("%w: local peer %s not in participant set", ErrUnknownPeer, self.Hex())
	}
	if cfg.Now == nil {
		cfg.Now = func() uint64 { return uint64(time.Now().Unix()) }
	}

	e := &Engine{
		cfg:          cfg,
		keyPair:      keyPair,
		self:         self,
		gameID:       genesis.GameID,
		participants: members,
		pending:      make(map[types.ProposalID]*proposalEntry),
		voteBuffer:   make(map[types.ProposalID]*bufferedVotes),
		forks:        make(map[types.Hash]*forkBranch),
		limiters:     make(map[types.PeerID]*rate.Limiter),
		decided:      make(map[types.ProposalID]bool),
		bus:          bus,
		archive:      archive,
		now:          cfg.Now,
	}
	e.current.Store(genesis)
	return e, nil
}

// CurrentState returns the latest finalized state without locking. The
// returned value is immutable and must not be modified.
func (e *Engine) CurrentState() *state.GameConsensusState { return e.current.Load() }

// Self returns the local peer id.
func (e *Engine) Self() types.PeerID { return e.self }

// GameID returns the game this engine agrees on.
func (e *Engine) GameID() types.GameID { return e.gameID }

// Participants returns the member set in sorted order.
func (e *Engine) Participants() []types.PeerID {
	peers := make([]types.PeerID, 0, len(e.participants))
	for p := range e.participants {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		return string(peers[i][:]) < string(peers[j][:])
	})
	return peers
}

// Metrics exposes the engine counters.
func (e *Engine) Metrics() *Metrics { return &e.metrics }

func (e *Engine) required() int      { return ByzantineThreshold(len(e.participants)) }
func (e *Engine) participation() int { return ParticipationThreshold(len(e.participants)) }

// ProposeOperation validates op against the current state, signs a
// proposal carrying the computed successor and records the local FOR vote.
// Both the proposal and the vote are returned for broadcast.
func (e *Engine) ProposeOperation(op state.Operation) (*GameProposal, *Vote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) >= e.cfg.MaxPendingProposals {
		return nil, nil, fmt.Errorf("%w: %d pending", ErrTooMuchContention, len(e.pending))
	}
	inflight := 0
	for _, entry := range e.pending {
		if entry.proposal.Proposer == e.self {
			inflight++
		}
	}
	if inflight >= e.cfg.MaxProposalsPerPeer {
		return nil, nil, fmt.Errorf("%w: %d own proposals in flight", ErrTooMuchContention, inflight)
	}

	current := e.current.Load()
	ts := e.now()
	next, err := current.Apply(op, ts)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidProposal, err)
	}

	proposal := &GameProposal{
		Proposer:      e.self,
		PrevStateHash: current.StateHash,
		Operation:     op,
		ProposedState: next,
		Timestamp:     ts,
		Nonce:         randomNonce(),
	}
	if err := SignProposal(proposal, e.keyPair); err != nil {
		return nil, nil, err
	}

	entry := &proposalEntry{
		proposal: proposal,
		votes:    NewVoteTracker(proposal.ID, time.Now()),
		received: time.Now(),
	}
	e.pending[proposal.ID] = entry
	e.metrics.ProposalsSubmitted.Add(1)

	vote, err := e.buildVote(proposal.ID, VoteFor)
	if err != nil {
		delete(e.pending, proposal.ID)
		return nil, nil, err
	}
	if err := entry.votes.Record(e.self, VoteFor, vote.Sig); err != nil {
		delete(e.pending, proposal.ID)
		return nil, nil, err
	}
	entry.ourVote = vote
	e.archiveVote(entry, vote)
	e.tryFinalizeLocked(proposal.ID)
	return proposal, vote, nil
}

// ReceiveProposal processes a peer's proposal, evaluates it against the
// local state and returns the signed local vote for broadcast. A proposal
// building on a different parent state is treated as fork support instead
// of a votable round; no vote is returned for it.
func (e *Engine) ReceiveProposal(p *GameProposal) (*Vote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.participants[p.Proposer] {
		return nil, fmt.Errorf("%w: proposer %s", ErrUnknownPeer, p.Proposer.Hex())
	}
	if !e.limiterFor(p.Proposer).Allow() {
		return nil, fmt.Errorf("%w: proposer %s", ErrRateLimitExceeded, p.Proposer.Hex())
	}
	if e.decided[p.ID] || e.pending[p.ID] != nil {
		return nil, nil
	}
	if err := VerifyProposal(p); err != nil {
		return nil, err
	}
	now := e.now()
	if err := state.CheckTimestamp(p.Timestamp, now, e.cfg.TimestampWindow); err != nil {
		return nil, err
	}

	current := e.current.Load()
	if p.PrevStateHash != current.StateHash {
		e.registerForkLocked(p.ProposedState, p.Proposer)
		return nil, nil
	}

	choice := VoteFor
	if err := state.Validate(current, p.ProposedState, p.Operation, now, e.cfg.TimestampWindow); err != nil {
		logger.Warn("proposal %s from %s failed validation: %v", p.ID.Hex(), p.Proposer.Hex(), err)
		choice = VoteAgainst
	}

	entry := &proposalEntry{
		proposal: p,
		votes:    NewVoteTracker(p.ID, time.Now()),
		received: time.Now(),
	}
	e.pending[p.ID] = entry

	// The proposal signature is the proposer's implicit FOR vote; a later
	// explicit vote from the proposer is idempotent.
	if err := entry.votes.Record(p.Proposer, VoteFor, p.Sig); err != nil {
		return nil, err
	}

	vote, err := e.buildVote(p.ID, choice)
	if err != nil {
		return nil, err
	}
	if err := entry.votes.Record(e.self, choice, vote.Sig); err != nil {
		return nil, err
	}
	entry.ourVote = vote
	e.archiveVote(entry, vote)

	if buffered, ok := e.voteBuffer[p.ID]; ok {
		delete(e.voteBuffer, p.ID)
		for _, v := range buffered.votes {
			if err := e.recordVoteLocked(entry, v); err != nil {
				logger.Debug("buffered vote on %s: %v", p.ID.Hex(), err)
			}
		}
	}

	e.tryFinalizeLocked(p.ID)
	return vote, nil
}

// VoteOnProposal casts the local vote on a pending proposal and returns it
// for broadcast. The local API refuses to change a recorded position, so a
// node cannot equivocate against itself.
func (e *Engine) VoteOnProposal(id types.ProposalID, choice VoteChoice) (*Vote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.pending[id]
	if !ok {
		if e.decided[id] {
			return nil, fmt.Errorf("%w: %s already decided", ErrStaleOperation, id.Hex())
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, id.Hex())
	}
	if prev, _, voted := entry.votes.Lookup(e.self); voted {
		if prev == choice && entry.ourVote != nil {
			return entry.ourVote, nil
		}
		return nil, fmt.Errorf("%w: local vote already cast as %s", ErrDuplicateVote, prev)
	}

	vote, err := e.buildVote(id, choice)
	if err != nil {
		return nil, err
	}
	if err := entry.votes.Record(e.self, choice, vote.Sig); err != nil {
		return nil, err
	}
	entry.ourVote = vote
	e.archiveVote(entry, vote)
	e.tryFinalizeLocked(id)
	return vote, nil
}

// ReceiveVote tallies a peer's vote. Votes arriving before their proposal
// are buffered and replayed on arrival; a conflicting re-vote is rejected
// and flagged as equivocation.
func (e *Engine) ReceiveVote(v *Vote) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.participants[v.Voter] {
		return fmt.Errorf("%w: voter %s", ErrUnknownPeer, v.Voter.Hex())
	}
	if !e.limiterFor(v.Voter).Allow() {
		return fmt.Errorf("%w: voter %s", ErrRateLimitExceeded, v.Voter.Hex())
	}
	if err := VerifyVote(v); err != nil {
		return err
	}
	if e.decided[v.Proposal] {
		return nil
	}

	entry, ok := e.pending[v.Proposal]
	if !ok {
		buffered := e.voteBuffer[v.Proposal]
		if buffered == nil {
			buffered = &bufferedVotes{since: time.Now()}
			e.voteBuffer[v.Proposal] = buffered
		}
		if len(buffered.votes) >= e.cfg.VoteBufferPerProposal {
			e.metrics.VotesDropped.Add(1)
			return fmt.Errorf("%w: %s (buffer full)", ErrUnknownProposal, v.Proposal.Hex())
		}
		buffered.votes = append(buffered.votes, v)
		return nil
	}

	if err := e.recordVoteLocked(entry, v); err != nil {
		return err
	}
	e.tryFinalizeLocked(v.Proposal)
	return nil
}

func (e *Engine) recordVoteLocked(entry *proposalEntry, v *Vote) error {
	if err := entry.votes.Record(v.Voter, v.Choice, v.Sig); err != nil {
		if prev, _, ok := entry.votes.Lookup(v.Voter); ok {
			e.metrics.EquivocationsDetected.Add(1)
			e.publish(events.AnomalyDetected{
				Suspect:  v.Voter,
				Anomaly:  "equivocating_vote",
				Severity: 1.0,
				Details:  fmt.Sprintf("voted %s then %s on %s", prev, v.Choice, v.Proposal.Hex()),
			})
		}
		return err
	}
	e.metrics.VotesReceived.Add(1)
	e.archiveVote(entry, v)
	return nil
}

func (e *Engine) tryFinalizeLocked(id types.ProposalID) {
	entry, ok := e.pending[id]
	if !ok {
		return
	}
	required := e.required()

	switch {
	case entry.votes.CountFor() >= required:
		e.finalizeLocked(entry)
	case entry.votes.CountAgainst() >= required:
		delete(e.pending, id)
		e.markDecidedLocked(id)
		e.metrics.ProposalsRejected.Add(1)
		logger.Info("proposal %s rejected by quorum (%d against)", id.Hex(), entry.votes.CountAgainst())
		e.publish(events.ProposalRejected{ID: id, Reason: "quorum voted against"})
	}
}

func (e *Engine) finalizeLocked(entry *proposalEntry) {
	next := entry.proposal.ProposedState
	e.current.Store(next)
	delete(e.pending, entry.proposal.ID)
	e.markDecidedLocked(entry.proposal.ID)

	e.metrics.ProposalsAccepted.Add(1)
	e.metrics.RoundsCompleted.Add(1)
	logger.Info("finalized seq %d (%s) via proposal %s",
		next.Sequence, next.StateHash.Hex(), entry.proposal.ID.Hex())

	if e.archive != nil {
		if err := e.archive.SaveState(next); err != nil {
			logger.Error("persist finalized state %d: %v", next.Sequence, err)
		}
	}
	e.publish(events.StateFinalized{State: next})

	// Every remaining proposal was built on a superseded parent.
	for rivalID, rival := range e.pending {
		if rival.proposal.PrevStateHash != next.StateHash {
			delete(e.pending, rivalID)
			e.markDecidedLocked(rivalID)
			e.metrics.ProposalsExpired.Add(1)
			e.publish(events.ProposalRejected{ID: rivalID, Reason: "superseded"})
		}
	}
	// Branches that do not lead past the new state are stale.
	for hash, branch := range e.forks {
		if branch.head.Sequence <= next.Sequence {
			delete(e.forks, hash)
		}
	}
}

// ExpireStale drops proposals past their deadlines and aged fork branches.
// The node drives this from a ticker.
func (e *Engine) ExpireStale(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, entry := range e.pending {
		age := now.Sub(entry.received)
		switch {
		case age > e.cfg.ProposalExpiry:
			delete(e.pending, id)
			e.markDecidedLocked(id)
			e.metrics.ProposalsExpired.Add(1)
			e.publish(events.RoundFailed{ID: id, Reason: "proposal expired"})
		case age > e.cfg.VoteTimeout && entry.votes.Participation() >= e.participation():
			delete(e.pending, id)
			e.markDecidedLocked(id)
			e.metrics.RoundsFailed.Add(1)
			e.publish(events.RoundFailed{ID: id, Reason: "vote timeout without quorum"})
		}
	}
	for id, buffered := range e.voteBuffer {
		if now.Sub(buffered.since) > e.cfg.ProposalExpiry {
			e.metrics.VotesDropped.Add(uint64(len(buffered.votes)))
			delete(e.voteBuffer, id)
		}
	}
	for hash, branch := range e.forks {
		if now.Sub(branch.firstSeen) > e.cfg.ProposalExpiry {
			delete(e.forks, hash)
		}
	}
}

func (e *Engine) buildVote(id types.ProposalID, choice VoteChoice) (*Vote, error) {
	vote := &Vote{
		Proposal:  id,
		Voter:     e.self,
		Choice:    choice,
		Timestamp: e.now(),
	}
	if err := SignVote(vote, e.keyPair); err != nil {
		return nil, err
	}
	return vote, nil
}

func (e *Engine) archiveVote(entry *proposalEntry, v *Vote) {
	if e.archive == nil {
		return
	}
	data, err := EncodeVote(v)
	if err != nil {
		logger.Debug("encode vote for archive: %v", err)
		return
	}
	round := entry.proposal.ProposedState.Sequence
	if err := e.archive.SaveVote(round, v.Voter, data); err != nil {
		logger.Debug("archive vote round %d: %v", round, err)
	}
}

func (e *Engine) markDecidedLocked(id types.ProposalID) {
	if e.decided[id] {
		return
	}
	e.decided[id] = true
	e.decidedOrder = append(e.decidedOrder, id)
	if len(e.decidedOrder) > decidedMemory {
		oldest := e.decidedOrder[0]
		e.decidedOrder = e.decidedOrder[1:]
		delete(e.decided, oldest)
	}
}

func (e *Engine) limiterFor(peer types.PeerID) *rate.Limiter {
	limiter, ok := e.limiters[peer]
	if !ok {
		limiter = rate.NewLimiter(e.cfg.RatePerPeer, e.cfg.RateBurst)
		e.limiters[peer] = limiter
	}
	return limiter
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func randomNonce() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(buf[:])
}
