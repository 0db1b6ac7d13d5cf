// Package dispute implements evidence-based dispute resolution. Any
// participant can raise a signed accusation against a peer; the mesh
// votes, and a simple majority either upholds the claim (slashing the
// accused) or rejects it (slashing the disputer, which makes frivolous
// accusations as expensive as cheating). Without a majority the dispute
// is abstained and nobody is penalized.
package dispute

import (
	"fmt"
	"sync"
	"time"

	"github.com/meta-node-blockchain/dicemesh/pkg/consensus"
	"github.com/meta-node-blockchain/dicemesh/pkg/events"
	"github.com/meta-node-blockchain/dicemesh/pkg/identity"
	"github.com/meta-node-blockchain/dicemesh/pkg/logger"
	"github.com/meta-node-blockchain/dicemesh/pkg/state"
	"github.com/meta-node-blockchain/dicemesh/pkg/store"
	"github.com/meta-node-blockchain/dicemesh/types"
)

// Config tunes one dispute manager.
type Config struct {
	// VotingPeriod is how long a dispute collects votes. A majority vote
	// for more evidence extends the deadline by the same period, once.
	VotingPeriod time.Duration
	// MinVotes is the floor of distinct votes a verdict needs. Zero
	// derives the participation threshold from the peer count.
	MinVotes int
	// SlashAmount is the balance burned from the losing side.
	SlashAmount uint64
	// Clock is injectable in tests. Nil means wall time.
	Clock func() time.Time
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		VotingPeriod: time.Hour,
		SlashAmount:  100,
	}
}

// Resolution is the outcome of a resolved dispute. Penalty is the balance
// operation to feed back into consensus, nil when nobody is penalized.
type Resolution struct {
	ID        types.DisputeID
	Verdict   Verdict
	Penalized types.PeerID
	Penalty   state.Operation
}

type record struct {
	dispute  *Dispute
	votes    map[types.PeerID]VoteChoice
	voteSigs map[types.PeerID]types.Signature
	extended bool
	resolved *Resolution
}

// Manager tracks the open disputes of one game.
type Manager struct {
	mu           sync.Mutex
	cfg          Config
	keyPair      *identity.KeyPair
	self         types.PeerID
	participants map[types.PeerID]bool
	bus          *events.Bus
	archive      *store.ConsensusStore
	clock        func() time.Time

	disputes map[types.DisputeID]*record
}

// NewManager builds a manager. bus and archive may be nil.
func NewManager(cfg Config, keyPair *identity.KeyPair, participants []types.PeerID, bus *events.Bus, archive *store.ConsensusStore) *Manager {
	members := make(map[types.PeerID]bool, len(participants))
	for _, p := range participants {
		members[p] = true
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		cfg:          cfg,
		keyPair:      keyPair,
		self:         keyPair.Address(),
		participants: members,
		bus:          bus,
		archive:      archive,
		clock:        clock,
		disputes:     make(map[types.DisputeID]*record),
	}
}

func (m *Manager) minVotes() int {
	if m.cfg.MinVotes > 0 {
		return m.cfg.MinVotes
	}
	return consensus.ParticipationThreshold(len(m.participants))
}

func (m *Manager) majority() int { return len(m.participants)/2 + 1 }

// Raise files a dispute against accused. Raising the same claim against
// the same state again returns the original dispute, so retries and
// concurrent observers converge on one id.
func (m *Manager) Raise(accused types.PeerID, disputedState types.Hash, claim Claim, evidence []Evidence) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.participants[accused] {
		return nil, fmt.Errorf("%w: accused %s", ErrNotParticipant, accused.Hex())
	}
	if err := ValidateClaim(claim); err != nil {
		return nil, err
	}
	for _, ev := range evidence {
		if err := ValidateEvidence(ev); err != nil {
			return nil, err
		}
	}

	id, err := ComputeDisputeID(m.self, disputedState, claim)
	if err != nil {
		return nil, err
	}
	if existing, ok := m.disputes[id]; ok {
		return existing.dispute, nil
	}

	now := uint64(m.clock().Unix())
	d := &Dispute{
		Disputer:      m.self,
		Accused:       accused,
		DisputedState: disputedState,
		Claim:         claim,
		Evidence:      evidence,
		RaisedAt:      now,
		Deadline:      now + uint64(m.cfg.VotingPeriod/time.Second),
	}
	if err := SignDispute(d, m.keyPair); err != nil {
		return nil, err
	}

	rec := newRecord(d)
	m.disputes[id] = rec

	// The disputer's position is implicit in raising the claim.
	vote := &DisputeVote{Dispute: d.ID, Voter: m.self, Choice: VoteUphold, Timestamp: now}
	if err := SignDisputeVote(vote, m.keyPair); err != nil {
		return nil, err
	}
	rec.votes[m.self] = VoteUphold
	rec.voteSigs[m.self] = vote.Sig

	m.archiveLocked(rec)
	logger.Info("dispute %s raised against %s: %s", d.ID.Hex(), accused.Hex(), claim.Kind())
	return d, nil
}

// ReceiveDispute registers a dispute raised by a peer.
func (m *Manager) ReceiveDispute(d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.participants[d.Disputer] {
		return fmt.Errorf("%w: disputer %s", ErrNotParticipant, d.Disputer.Hex())
	}
	if !m.participants[d.Accused] {
		return fmt.Errorf("%w: accused %s", ErrNotParticipant, d.Accused.Hex())
	}
	if _, ok := m.disputes[d.ID]; ok {
		return nil
	}
	if err := ValidateClaim(d.Claim); err != nil {
		return err
	}
	for _, ev := range d.Evidence {
		if err := ValidateEvidence(ev); err != nil {
			return err
		}
	}
	if err := VerifyDispute(d); err != nil {
		return err
	}

	rec := newRecord(d)
	rec.votes[d.Disputer] = VoteUphold
	rec.voteSigs[d.Disputer] = d.Sig
	m.disputes[d.ID] = rec
	m.archiveLocked(rec)
	return nil
}

// CastVote records the local vote and returns it for broadcast.
func (m *Manager) CastVote(id types.DisputeID, choice VoteChoice) (*DisputeVote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.disputes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDispute, id.Hex())
	}
	vote := &DisputeVote{Dispute: id, Voter: m.self, Choice: choice, Timestamp: uint64(m.clock().Unix())}
	if err := SignDisputeVote(vote, m.keyPair); err != nil {
		return nil, err
	}
	if err := m.recordVoteLocked(rec, m.self, choice, vote.Sig); err != nil {
		return nil, err
	}
	return vote, nil
}

// ReceiveVote tallies a peer's vote on an open dispute.
func (m *Manager) ReceiveVote(v *DisputeVote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.participants[v.Voter] {
		return fmt.Errorf("%w: voter %s", ErrNotParticipant, v.Voter.Hex())
	}
	rec, ok := m.disputes[v.Dispute]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDispute, v.Dispute.Hex())
	}
	if err := VerifyDisputeVote(v); err != nil {
		return err
	}
	return m.recordVoteLocked(rec, v.Voter, v.Choice, v.Sig)
}

func (m *Manager) recordVoteLocked(rec *record, voter types.PeerID, choice VoteChoice, sig types.Signature) error {
	if rec.resolved != nil {
		return fmt.Errorf("%w: %s is resolved", ErrVotingClosed, rec.dispute.ID.Hex())
	}
	if uint64(m.clock().Unix()) > rec.dispute.Deadline {
		return fmt.Errorf("%w: deadline passed on %s", ErrVotingClosed, rec.dispute.ID.Hex())
	}
	if prev, ok := rec.votes[voter]; ok {
		if prev == choice {
			return nil
		}
		// Asking for more evidence is a request, not a position; it may be
		// replaced once the evidence (or the extension) arrives.
		if prev != VoteNeedMoreEvidence {
			return fmt.Errorf("%w: %s voted %s on %s",
				ErrAlreadyVoted, voter.Hex(), prev, rec.dispute.ID.Hex())
		}
	}
	rec.votes[voter] = choice
	rec.voteSigs[voter] = sig
	return nil
}

// Resolve concludes a dispute once a majority (or its deadline) allows.
// Resolving an already-resolved dispute returns the stored resolution
// unchanged. A majority for more evidence extends the deadline one time
// and returns ErrMoreEvidenceNeeded; if the extension lapses without a
// verdict the dispute abstains.
func (m *Manager) Resolve(id types.DisputeID) (*Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.disputes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDispute, id.Hex())
	}
	return m.resolveLocked(rec)
}

func (m *Manager) resolveLocked(rec *record) (*Resolution, error) {
	if rec.resolved != nil {
		return rec.resolved, nil
	}

	counts := make(map[VoteChoice]int, 4)
	for _, choice := range rec.votes {
		counts[choice]++
	}
	total := len(rec.votes)
	now := uint64(m.clock().Unix())

	switch {
	case counts[VoteUphold] >= m.majority() && total >= m.minVotes():
		return m.concludeLocked(rec, VerdictUpheld, rec.dispute.Accused), nil
	case counts[VoteReject] >= m.majority() && total >= m.minVotes():
		return m.concludeLocked(rec, VerdictRejected, rec.dispute.Disputer), nil
	case counts[VoteNeedMoreEvidence] >= m.majority() && !rec.extended:
		rec.extended = true
		rec.dispute.Deadline += uint64(m.cfg.VotingPeriod / time.Second)
		logger.Info("dispute %s extended to %d for more evidence",
			rec.dispute.ID.Hex(), rec.dispute.Deadline)
		return nil, fmt.Errorf("%w: %s", ErrMoreEvidenceNeeded, rec.dispute.ID.Hex())
	case now > rec.dispute.Deadline:
		return m.concludeLocked(rec, VerdictAbstained, types.PeerID{}), nil
	case total == len(m.participants):
		// Everyone voted and no choice reached a majority.
		return m.concludeLocked(rec, VerdictAbstained, types.PeerID{}), nil
	default:
		return nil, fmt.Errorf("%w: %d of %d votes on %s",
			ErrVotingInProgress, total, len(m.participants), rec.dispute.ID.Hex())
	}
}

func (m *Manager) concludeLocked(rec *record, verdict Verdict, penalized types.PeerID) *Resolution {
	res := &Resolution{ID: rec.dispute.ID, Verdict: verdict, Penalized: penalized}
	if verdict != VerdictAbstained && m.cfg.SlashAmount > 0 {
		// A plain burn: pairing the debit with a treasury credit would
		// break conservation whenever the slash clamps at a near-empty
		// balance.
		res.Penalty = state.OpUpdateBalances{
			Changes: []state.BalanceChange{{Peer: penalized, Delta: -int64(m.cfg.SlashAmount)}},
			Reason:  fmt.Sprintf("dispute %s %s", rec.dispute.ID.Hex(), verdict),
			Mint:    false,
		}
	}
	rec.resolved = res
	logger.Info("dispute %s resolved: %s", rec.dispute.ID.Hex(), verdict)
	if m.bus != nil {
		m.bus.Publish(events.DisputeResolved{
			ID:        rec.dispute.ID,
			Verdict:   verdict.String(),
			Penalized: penalized,
		})
	}
	return res
}

// ResolveExpired concludes every open dispute whose deadline has passed
// and returns the resolutions produced.
func (m *Manager) ResolveExpired(now time.Time) []*Resolution {
	m.mu.Lock()
	defer m.mu.Unlock()

	var resolved []*Resolution
	nowUnix := uint64(now.Unix())
	for _, rec := range m.disputes {
		if rec.resolved != nil || nowUnix <= rec.dispute.Deadline {
			continue
		}
		res, err := m.resolveLocked(rec)
		if err != nil {
			continue
		}
		resolved = append(resolved, res)
	}
	return resolved
}

// Get returns a dispute by id.
func (m *Manager) Get(id types.DisputeID) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.disputes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDispute, id.Hex())
	}
	return rec.dispute, nil
}

// Open lists the ids of unresolved disputes.
func (m *Manager) Open() []types.DisputeID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var open []types.DisputeID
	for id, rec := range m.disputes {
		if rec.resolved == nil {
			open = append(open, id)
		}
	}
	return open
}

func (m *Manager) archiveLocked(rec *record) {
	if m.archive == nil {
		return
	}
	data, err := EncodeDispute(rec.dispute)
	if err != nil {
		logger.Debug("encode dispute for archive: %v", err)
		return
	}
	if err := m.archive.SaveDispute(rec.dispute.ID, data); err != nil {
		logger.Debug("archive dispute %s: %v", rec.dispute.ID.Hex(), err)
	}
}

func newRecord(d *Dispute) *record {
	return &record{
		dispute:  d,
		votes:    make(map[types.PeerID]VoteChoice),
		voteSigs: make(map[types.PeerID]types.Signature),
	}
}
