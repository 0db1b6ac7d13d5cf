// Package randomness produces consensus dice rolls through a commit-reveal
// exchange. Every participant commits to a hidden nonce, reveals it once
// the commit phase closes, and the roll is derived from the combined
// reveals with rejection sampling. No single peer can bias the outcome:
// the nonce is fixed before any other contribution is visible, and a
// reveal that does not match its commitment is excluded and flagged.
package randomness

import (
	"fmt"
	"sync"
	"time"

	"github.com/meta-node-blockchain/dicemesh/pkg/consensus"
	"github.com/meta-node-blockchain/dicemesh/pkg/entropy"
	"github.com/meta-node-blockchain/dicemesh/pkg/events"
	"github.com/meta-node-blockchain/dicemesh/pkg/game"
	"github.com/meta-node-blockchain/dicemesh/pkg/logger"
	"github.com/meta-node-blockchain/dicemesh/types"
)

// Config tunes one randomness manager.
type Config struct {
	// CommitWindow is how long a round accepts commitments.
	CommitWindow time.Duration
	// RevealWindow is how long reveals are accepted once the commit phase
	// closes.
	RevealWindow time.Duration
	// MinReveals is the quorum of valid reveals a roll needs. Zero derives
	// the participation threshold from the peer count.
	MinReveals int
	// MaxRounds bounds retained round history.
	MaxRounds int
	// Clock is injectable in tests. Nil means wall time.
	Clock func() time.Time
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		CommitWindow: 5 * time.Second,
		RevealWindow: 5 * time.Second,
		MaxRounds:    64,
	}
}

// Manager runs the commit-reveal rounds for one game.
type Manager struct {
	mu           sync.Mutex
	cfg          Config
	gameID       types.GameID
	self         types.PeerID
	participants map[types.PeerID]bool
	pool         *entropy.Pool
	bus          *events.Bus
	clock        func() time.Time

	rounds map[types.RoundID]*round
	order  []types.RoundID
	nonces map[types.RoundID][32]byte
}

// NewManager builds a manager. pool may be nil, in which case a fresh
// entropy pool is created; bus may be nil to skip anomaly events.
func NewManager(cfg Config, gameID types.GameID, self types.PeerID, participants []types.PeerID, pool *entropy.Pool, bus *events.Bus) (*Manager, error) {
	if pool == nil {
		var err error
		pool, err = entropy.NewPool()
		if err != nil {
			return nil, err
		}
	}
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
		gameID:       gameID,
		self:         self,
		participants: members,
		pool:         pool,
		bus:          bus,
		clock:        clock,
		rounds:       make(map[types.RoundID]*round),
		nonces:       make(map[types.RoundID][32]byte),
	}, nil
}

func (m *Manager) minReveals() int {
	if m.cfg.MinReveals > 0 {
		return m.cfg.MinReveals
	}
	return consensus.ParticipationThreshold(len(m.participants))
}

// Commit draws a fresh nonce, stores it locally and returns the
// commitment for broadcast. Calling again for the same round returns the
// original commitment.
func (m *Manager) Commit(roundID types.RoundID) (*RandomnessCommit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.ensureRoundLocked(roundID)
	m.tickRoundLocked(r)
	if r.phase == PhaseFailed {
		return nil, fmt.Errorf("%w: round %d", ErrRoundFailed, roundID)
	}
	if existing, ok := r.commitments[m.self]; ok {
		return &RandomnessCommit{Game: m.gameID, Round: roundID, Player: m.self, Commitment: existing}, nil
	}
	if r.phase != PhaseCommit {
		return nil, fmt.Errorf("%w: round %d is in %s", ErrCommitClosed, roundID, r.phase)
	}

	buf, err := m.pool.Draw(32)
	if err != nil {
		return nil, err
	}
	var nonce [32]byte
	copy(nonce[:], buf)

	commitment := Commitment(m.gameID, roundID, m.self, nonce)
	r.commitments[m.self] = commitment
	m.nonces[roundID] = nonce
	m.maybeOpenRevealLocked(r)

	return &RandomnessCommit{Game: m.gameID, Round: roundID, Player: m.self, Commitment: commitment}, nil
}

// ReceiveCommit records a peer's commitment. A peer re-sending the same
// commitment is idempotent; a different commitment for the same round is
// refused and flagged.
func (m *Manager) ReceiveCommit(c *RandomnessCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.Game != m.gameID {
		return fmt.Errorf("%w: commit for game %s", ErrUnknownRound, c.Game)
	}
	if !m.participants[c.Player] {
		return fmt.Errorf("%w: %s", ErrNotParticipant, c.Player.Hex())
	}
	r := m.ensureRoundLocked(c.Round)
	m.tickRoundLocked(r)
	if r.phase == PhaseFailed {
		return fmt.Errorf("%w: round %d", ErrRoundFailed, c.Round)
	}
	if existing, ok := r.commitments[c.Player]; ok {
		if existing == c.Commitment {
			return nil
		}
		m.publishAnomaly(c.Player, "conflicting_commit", 0.8,
			fmt.Sprintf("two different commitments in round %d", c.Round))
		return fmt.Errorf("%w: %s in round %d", ErrAlreadyCommitted, c.Player.Hex(), c.Round)
	}
	if r.phase != PhaseCommit {
		return fmt.Errorf("%w: round %d is in %s", ErrCommitClosed, c.Round, r.phase)
	}

	r.commitments[c.Player] = c.Commitment
	m.maybeOpenRevealLocked(r)
	return nil
}

// Reveal publishes the locally stored nonce once the reveal phase is open.
func (m *Manager) Reveal(roundID types.RoundID) (*RandomnessReveal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRound, roundID)
	}
	m.tickRoundLocked(r)
	nonce, ok := m.nonces[roundID]
	if !ok {
		return nil, fmt.Errorf("%w: local peer in round %d", ErrNoCommitment, roundID)
	}
	switch r.phase {
	case PhaseCommit:
		return nil, fmt.Errorf("%w: round %d", ErrRevealNotOpen, roundID)
	case PhaseFailed:
		return nil, fmt.Errorf("%w: round %d", ErrRoundFailed, roundID)
	case PhaseComplete:
		// The roll is frozen; re-publishing an included reveal is fine,
		// joining after the fact is not.
		if _, in := r.reveals[m.self]; !in {
			return nil, fmt.Errorf("%w: round %d already rolled", ErrRevealClosed, roundID)
		}
	}

	r.reveals[m.self] = nonce
	return &RandomnessReveal{Game: m.gameID, Round: roundID, Player: m.self, Nonce: nonce}, nil
}

// ReceiveReveal verifies a peer's reveal against its commitment. A
// mismatch excludes the peer from the round and raises an anomaly; the
// round proceeds without that contribution.
func (m *Manager) ReceiveReveal(rv *RandomnessReveal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rv.Game != m.gameID {
		return fmt.Errorf("%w: reveal for game %s", ErrUnknownRound, rv.Game)
	}
	if !m.participants[rv.Player] {
		return fmt.Errorf("%w: %s", ErrNotParticipant, rv.Player.Hex())
	}
	r, ok := m.rounds[rv.Round]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRound, rv.Round)
	}
	m.tickRoundLocked(r)
	switch r.phase {
	case PhaseCommit:
		return fmt.Errorf("%w: round %d", ErrRevealNotOpen, rv.Round)
	case PhaseFailed:
		return fmt.Errorf("%w: round %d", ErrRoundFailed, rv.Round)
	case PhaseComplete:
		return fmt.Errorf("%w: round %d already rolled", ErrRevealClosed, rv.Round)
	}
	commitment, ok := r.commitments[rv.Player]
	if !ok {
		return fmt.Errorf("%w: %s in round %d", ErrNoCommitment, rv.Player.Hex(), rv.Round)
	}
	if r.excluded[rv.Player] {
		return fmt.Errorf("%w: %s already excluded from round %d", ErrRevealMismatch, rv.Player.Hex(), rv.Round)
	}
	if Commitment(m.gameID, rv.Round, rv.Player, rv.Nonce) != commitment {
		r.excluded[rv.Player] = true
		delete(r.reveals, rv.Player)
		logger.Warn("reveal from %s does not match commitment in round %d", rv.Player.Hex(), rv.Round)
		m.publishAnomaly(rv.Player, "bad_reveal", 1.0,
			fmt.Sprintf("reveal does not hash to commitment in round %d", rv.Round))
		return fmt.Errorf("%w: %s in round %d", ErrRevealMismatch, rv.Player.Hex(), rv.Round)
	}

	r.reveals[rv.Player] = rv.Nonce
	// A verified peer nonce is real external randomness: fold it into the
	// pool so future local commitments depend on it.
	m.pool.AddEntropy(rv.Nonce)
	return nil
}

// GenerateRoll derives the round's dice once enough valid reveals are in.
// The first call freezes the result; repeats return the same roll and
// proof.
func (m *Manager) GenerateRoll(roundID types.RoundID) (game.DiceRoll, []types.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return game.DiceRoll{}, nil, fmt.Errorf("%w: %d", ErrUnknownRound, roundID)
	}
	m.tickRoundLocked(r)
	if r.roll != nil {
		return *r.roll, r.proof, nil
	}
	switch r.phase {
	case PhaseCommit:
		return game.DiceRoll{}, nil, fmt.Errorf("%w: round %d", ErrRevealNotOpen, roundID)
	case PhaseFailed:
		return game.DiceRoll{}, nil, fmt.Errorf("%w: round %d", ErrRoundFailed, roundID)
	}
	if len(r.reveals) < m.minReveals() {
		return game.DiceRoll{}, nil, fmt.Errorf("%w: have %d, need %d",
			ErrInsufficientReveals, len(r.reveals), m.minReveals())
	}

	roll := DeriveRoll(m.gameID, roundID, r.reveals, uint64(m.clock().Unix()))
	r.roll = &roll
	r.proof = r.proofOf()
	r.phase = PhaseComplete
	logger.Info("round %d rolled %s from %d reveals", roundID, roll, len(r.reveals))
	return roll, r.proof, nil
}

// Reveals returns a copy of the valid reveals, the input for verifying a
// processed roll.
func (m *Manager) Reveals(roundID types.RoundID) (map[types.PeerID][32]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRound, roundID)
	}
	reveals := make(map[types.PeerID][32]byte, len(r.reveals))
	for peer, nonce := range r.reveals {
		reveals[peer] = nonce
	}
	return reveals, nil
}

// RoundPhase reports the lifecycle stage of a round.
func (m *Manager) RoundPhase(roundID types.RoundID) (Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownRound, roundID)
	}
	m.tickRoundLocked(r)
	return r.phase, nil
}

// ExpireRounds applies deadline transitions to every live round. The node
// drives this from a ticker.
func (m *Manager) ExpireRounds(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rounds {
		m.tickRoundAtLocked(r, now)
	}
}

func (m *Manager) ensureRoundLocked(roundID types.RoundID) *round {
	r, ok := m.rounds[roundID]
	if ok {
		return r
	}
	r = newRound(roundID, m.clock().Add(m.cfg.CommitWindow))
	m.rounds[roundID] = r
	m.order = append(m.order, roundID)
	if max := m.cfg.MaxRounds; max > 0 && len(m.order) > max {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.rounds, oldest)
		delete(m.nonces, oldest)
	}
	return r
}

func (m *Manager) tickRoundLocked(r *round) {
	m.tickRoundAtLocked(r, m.clock())
}

func (m *Manager) tickRoundAtLocked(r *round, now time.Time) {
	switch r.phase {
	case PhaseCommit:
		if now.After(r.commitDeadline) {
			if len(r.commitments) >= m.minReveals() {
				r.phase = PhaseReveal
				r.revealDeadline = now.Add(m.cfg.RevealWindow)
			} else {
				r.phase = PhaseFailed
				logger.Warn("round %d failed: %d commitments, need %d",
					r.id, len(r.commitments), m.minReveals())
			}
		}
	case PhaseReveal:
		if now.After(r.revealDeadline) && len(r.reveals) < m.minReveals() {
			r.phase = PhaseFailed
			logger.Warn("round %d failed: %d reveals, need %d",
				r.id, len(r.reveals), m.minReveals())
		}
	}
}

// maybeOpenRevealLocked short-circuits the commit window once every
// participant has committed.
func (m *Manager) maybeOpenRevealLocked(r *round) {
	if r.phase == PhaseCommit && len(r.commitments) == len(m.participants) {
		r.phase = PhaseReveal
		r.revealDeadline = m.clock().Add(m.cfg.RevealWindow)
	}
}

func (m *Manager) publishAnomaly(suspect types.PeerID, anomaly string, severity float64, details string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.AnomalyDetected{
		Suspect:  suspect,
		Anomaly:  anomaly,
		Severity: severity,
		Details:  details,
	})
}
