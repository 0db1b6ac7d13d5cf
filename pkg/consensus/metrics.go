package consensus

import "sync/atomic"

// Metrics counts engine activity. All fields are updated atomically so the
// struct is safe to share with monitoring code.
type Metrics struct {
	ProposalsSubmitted    atomic.Uint64
	ProposalsAccepted     atomic.Uint64
	ProposalsRejected     atomic.Uint64
	ProposalsExpired      atomic.Uint64
	VotesReceived         atomic.Uint64
	VotesDropped          atomic.Uint64
	EquivocationsDetected atomic.Uint64
	ForksDetected         atomic.Uint64
	RoundsCompleted       atomic.Uint64
	RoundsFailed          atomic.Uint64
	DisputesRaised        atomic.Uint64
}

// MetricsSnapshot is a plain copy of the counters at one instant.
type MetricsSnapshot struct {
	ProposalsSubmitted    uint64
	ProposalsAccepted     uint64
	ProposalsRejected     uint64
	ProposalsExpired      uint64
	VotesReceived         uint64
	VotesDropped          uint64
	EquivocationsDetected uint64
	ForksDetected         uint64
	RoundsCompleted       uint64
	RoundsFailed          uint64
	DisputesRaised        uint64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ProposalsSubmitted:    m.ProposalsSubmitted.Load(),
		ProposalsAccepted:     m.ProposalsAccepted.Load(),
		ProposalsRejected:     m.ProposalsRejected.Load(),
		ProposalsExpired:      m.ProposalsExpired.Load(),
		VotesReceived:         m.VotesReceived.Load(),
		VotesDropped:          m.VotesDropped.Load(),
		EquivocationsDetected: m.EquivocationsDetected.Load(),
		ForksDetected:         m.ForksDetected.Load(),
		RoundsCompleted:       m.RoundsCompleted.Load(),
		RoundsFailed:          m.RoundsFailed.Load(),
		DisputesRaised:        m.DisputesRaised.Load(),
	}
}
