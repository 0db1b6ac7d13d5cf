// Package events carries the outbound notifications of the consensus core:
// finalized states, rejections, dispute verdicts and anomaly flags.
// Payloads hold only identifiers and primitives so every layer can publish
// without import cycles.
package events

import (
	"fmt"

	"github.com/meta-node-blockchain/dicemesh/pkg/state"
	"github.com/meta-node-blockchain/dicemesh/types"
)

// Kind discriminates the closed set of events.
type Kind uint8

const (
	KindStateFinalized Kind = iota
	KindProposalRejected
	KindRoundFailed
	KindForkDetected
	KindDisputeResolved
	KindAnomalyDetected
)

func (k Kind) String() string {
	switch k {
	case KindStateFinalized:
		return "state_finalized"
	case KindProposalRejected:
		return "proposal_rejected"
	case KindRoundFailed:
		return "round_failed"
	case KindForkDetected:
		return "fork_detected"
	case KindDisputeResolved:
		return "dispute_resolved"
	case KindAnomalyDetected:
		return "anomaly_detected"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is the closed set of notifications.
type Event interface {
	Kind() Kind
	isEvent()
}

// StateFinalized announces a newly agreed state. The state is immutable;
// subscribers must not modify it.
type StateFinalized struct {
	State *state.GameConsensusState
}

// ProposalRejected announces that a proposal reached the rejection quorum.
type ProposalRejected struct {
	ID     types.ProposalID
	Reason string
}

// RoundFailed announces a voting round that timed out without a quorum.
type RoundFailed struct {
	ID     types.ProposalID
	Reason string
}

// ForkDetected announces a competing branch.
type ForkDetected struct {
	Ours   types.Hash
	Theirs types.Hash
}

// DisputeResolved announces a dispute verdict.
type DisputeResolved struct {
	ID        types.DisputeID
	Verdict   string
	Penalized types.PeerID
}

// AnomalyDetected announces suspicious peer behavior.
type AnomalyDetected struct {
	Suspect  types.PeerID
	Anomaly  string
	Severity float64
	Details  string
}

func (StateFinalized) Kind() Kind   { return KindStateFinalized }
func (ProposalRejected) Kind() Kind { return KindProposalRejected }
func (RoundFailed) Kind() Kind      { return KindRoundFailed }
func (ForkDetected) Kind() Kind     { return KindForkDetected }
func (DisputeResolved) Kind() Kind  { return KindDisputeResolved }
func (AnomalyDetected) Kind() Kind  { return KindAnomalyDetected }

func (StateFinalized) isEvent()   {}
func (ProposalRejected) isEvent() {}
func (RoundFailed) isEvent()      {}
func (ForkDetected) isEvent()     {}
func (DisputeResolved) isEvent()  {}
func (AnomalyDetected) isEvent()  {}
