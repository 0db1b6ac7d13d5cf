package dispute

import (
	"fmt"
	"sync"
	"time"

	"github.com/meta-node-blockchain/dicemesh/pkg/events"
	"github.com/meta-node-blockchain/dicemesh/pkg/game"
	"github.com/meta-node-blockchain/dicemesh/types"
)

// Anomaly kinds. The first four are detected by the profiler itself; the
// rest are detected elsewhere and routed in through Observe. The strings
// are the wire vocabulary carried by anomaly events, so they must stay
// stable across versions.
const (
	AnomalyTimeSkew          = "time_skew"
	AnomalyOperationFlood    = "operation_flood"
	AnomalyOverBet           = "over_bet"
	AnomalyStatisticalBias   = "statistical_bias"
	AnomalyEquivocatingVote  = "equivocating_vote"
	AnomalyBadReveal         = "bad_reveal"
	AnomalyConflictingCommit = "conflicting_commit"
)

// ProfilerConfig tunes the behavioral heuristics.
type ProfilerConfig struct {
	// SuspicionThreshold is the accumulated severity at which a peer is
	// considered worth a dispute.
	SuspicionThreshold float64
	// MaxTimeSkew is how far an operation timestamp may drift from the
	// local clock before it is flagged.
	MaxTimeSkew time.Duration
	// FloodWindow and FloodLimit cap the operation rate: more than
	// FloodLimit operations inside one FloodWindow is a flood.
	FloodWindow time.Duration
	FloodLimit  int
	// OverBetRatio flags bets above this fraction of the bettor's balance.
	OverBetRatio float64
	// BiasMinSamples is the die-face sample count below which the
	// distribution test stays silent. BiasCritical is the chi-squared
	// statistic above which it fires; the default is the p<0.001 critical
	// value for five degrees of freedom.
	BiasMinSamples int
	BiasCritical   float64
	// Clock is injectable in tests. Nil means wall time.
	Clock func() time.Time
}

// DefaultProfilerConfig returns conservative thresholds: slow to accuse,
// hard to dodge over a long session.
func DefaultProfilerConfig() ProfilerConfig {
	return ProfilerConfig{
		SuspicionThreshold: 3.0,
		MaxTimeSkew:        30 * time.Second,
		FloodWindow:        10 * time.Second,
		FloodLimit:         20,
		OverBetRatio:       0.5,
		BiasMinSamples:     120,
		BiasCritical:       20.515,
	}
}

// RecordedAnomaly is one entry in a peer's suspicion ledger.
type RecordedAnomaly struct {
	Kind     string
	Severity float64
	Details  string
	At       time.Time
}

// CheatReport summarizes why a peer crossed the suspicion threshold. It is
// the raw material for a consensus-violation dispute.
type CheatReport struct {
	Suspect   types.PeerID
	Score     float64
	Anomalies []RecordedAnomaly
}

type peerProfile struct {
	score      float64
	anomalies  []RecordedAnomaly
	opTimes    []time.Time
	faceCounts [7]uint64
	samples    int
}

// Profiler accumulates per-peer behavioral evidence: timestamp drift,
// operation floods, outsized bets, and die-face bias. Each node profiles
// the mesh independently from its own observations.
type Profiler struct {
	mu       sync.Mutex
	cfg      ProfilerConfig
	bus      *events.Bus
	clock    func() time.Time
	profiles map[types.PeerID]*peerProfile
}

// NewProfiler builds a profiler. bus may be nil.
func NewProfiler(cfg ProfilerConfig, bus *events.Bus) *Profiler {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Profiler{
		cfg:      cfg,
		bus:      bus,
		clock:    clock,
		profiles: make(map[types.PeerID]*peerProfile),
	}
}

// ObserveOperation records that peer produced an operation stamped with
// timestamp, checking clock drift and operation rate.
func (p *Profiler) ObserveOperation(peer types.PeerID, timestamp uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	prof := p.profileLocked(peer)

	skew := now.Unix() - int64(timestamp)
	if skew < 0 {
		skew = -skew
	}
	if p.cfg.MaxTimeSkew > 0 && skew > int64(p.cfg.MaxTimeSkew/time.Second) {
		p.flagLocked(prof, peer, AnomalyTimeSkew, 0.5,
			fmt.Sprintf("timestamp off by %ds", skew))
	}

	cutoff := now.Add(-p.cfg.FloodWindow)
	kept := prof.opTimes[:0]
	for _, t := range prof.opTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	prof.opTimes = append(kept, now)
	if p.cfg.FloodLimit > 0 && len(prof.opTimes) > p.cfg.FloodLimit {
		p.flagLocked(prof, peer, AnomalyOperationFlood, 0.5,
			fmt.Sprintf("%d operations in %s", len(prof.opTimes), p.cfg.FloodWindow))
		prof.opTimes = prof.opTimes[:0]
	}
}

// ObserveBet flags bets out of proportion to the bettor's balance.
func (p *Profiler) ObserveBet(peer types.PeerID, amount, balance uint64) {
	if balance == 0 || p.cfg.OverBetRatio <= 0 {
		return
	}
	if float64(amount)/float64(balance) <= p.cfg.OverBetRatio {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	prof := p.profileLocked(peer)
	p.flagLocked(prof, peer, AnomalyOverBet, 0.3,
		fmt.Sprintf("bet %d against balance %d", amount, balance))
}

// ObserveRoll feeds both dice of a finalized roll into the proposer's
// face-frequency test. Once enough samples accumulate, a chi-squared
// statistic over the six faces decides whether the stream looks loaded.
func (p *Profiler) ObserveRoll(proposer types.PeerID, roll game.DiceRoll) {
	if !roll.IsValid() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	prof := p.profileLocked(proposer)
	prof.faceCounts[roll.Die1]++
	prof.faceCounts[roll.Die2]++
	prof.samples += 2

	if p.cfg.BiasMinSamples <= 0 || prof.samples < p.cfg.BiasMinSamples {
		return
	}
	chi2 := chiSquared(prof.faceCounts, prof.samples)
	if chi2 > p.cfg.BiasCritical {
		p.flagLocked(prof, proposer, AnomalyStatisticalBias, 1.0,
			fmt.Sprintf("chi2 %.2f over %d faces", chi2, prof.samples))
		// Start a fresh window so one loaded stretch is counted once.
		prof.faceCounts = [7]uint64{}
		prof.samples = 0
	}
}

// Observe records an anomaly detected outside the profiler, typically
// routed from the event bus. Kinds the profiler publishes itself are
// ignored here: they echo back through the bus and recording the echo
// would double-count them.
func (p *Profiler) Observe(suspect types.PeerID, kind string, severity float64, details string) {
	switch kind {
	case AnomalyTimeSkew, AnomalyOperationFlood, AnomalyOverBet, AnomalyStatisticalBias:
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	prof := p.profileLocked(suspect)
	prof.score += severity
	prof.anomalies = append(prof.anomalies, RecordedAnomaly{
		Kind:     kind,
		Severity: severity,
		Details:  details,
		At:       p.clock(),
	})
}

// Score returns the accumulated suspicion for a peer.
func (p *Profiler) Score(peer types.PeerID) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prof, ok := p.profiles[peer]; ok {
		return prof.score
	}
	return 0
}

// Suspicious reports whether a peer has crossed the dispute threshold.
func (p *Profiler) Suspicious(peer types.PeerID) bool {
	return p.Score(peer) >= p.cfg.SuspicionThreshold
}

// Report returns the suspicion ledger for a peer, or nil if the peer has
// not crossed the threshold.
func (p *Profiler) Report(peer types.PeerID) *CheatReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	prof, ok := p.profiles[peer]
	if !ok || prof.score < p.cfg.SuspicionThreshold {
		return nil
	}
	anomalies := make([]RecordedAnomaly, len(prof.anomalies))
	copy(anomalies, prof.anomalies)
	return &CheatReport{Suspect: peer, Score: prof.score, Anomalies: anomalies}
}

// Suspects lists every peer currently over the threshold.
func (p *Profiler) Suspects() []types.PeerID {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []types.PeerID
	for peer, prof := range p.profiles {
		if prof.score >= p.cfg.SuspicionThreshold {
			out = append(out, peer)
		}
	}
	return out
}

// Forgive clears a peer's ledger, for use after a dispute settles the
// accusations one way or the other.
func (p *Profiler) Forgive(peer types.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.profiles, peer)
}

func (p *Profiler) profileLocked(peer types.PeerID) *peerProfile {
	prof, ok := p.profiles[peer]
	if !ok {
		prof = &peerProfile{}
		p.profiles[peer] = prof
	}
	return prof
}

func (p *Profiler) flagLocked(prof *peerProfile, peer types.PeerID, kind string, severity float64, details string) {
	prof.score += severity
	prof.anomalies = append(prof.anomalies, RecordedAnomaly{
		Kind:     kind,
		Severity: severity,
		Details:  details,
		At:       p.clock(),
	})
	if p.bus != nil {
		p.bus.Publish(events.AnomalyDetected{
			Suspect:  peer,
			Anomaly:  kind,
			Severity: severity,
			Details:  details,
		})
	}
}

func chiSquared(faces [7]uint64, samples int) float64 {
	expected := float64(samples) / 6
	var chi2 float64
	for face := 1; face <= 6; face++ {
		diff := float64(faces[face]) - expected
		chi2 += diff * diff / expected
	}
	return chi2
}
