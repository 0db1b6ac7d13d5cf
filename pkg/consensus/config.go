package consensus

import (
	"time"

	"golang.org/x/time/rate"
)

// Config tunes one consensus engine instance.
type Config struct {
	// MinParticipants is the smallest mesh the engine will run with.
	MinParticipants int
	// VoteTimeout bounds how long a round may collect votes once the
	// participation floor is met.
	VoteTimeout time.Duration
	// ProposalExpiry is the hard TTL of a pending proposal.
	ProposalExpiry time.Duration
	// MaxForks bounds how many competing branches are retained.
	MaxForks int
	// MaxProposalsPerPeer bounds in-flight proposals from one proposer.
	MaxProposalsPerPeer int
	// MaxPendingProposals bounds in-flight proposals overall.
	MaxPendingProposals int
	// TimestampWindow is the tolerated clock skew in seconds.
	TimestampWindow uint64
	// RatePerPeer and RateBurst configure the per-peer inbound limiter.
	RatePerPeer rate.Limit
	RateBurst   int
	// VoteBufferPerProposal bounds votes held for a proposal that has not
	// arrived yet.
	VoteBufferPerProposal int
	// Now is the clock used for timestamps, injectable in tests. Nil
	// means unix wall time.
	Now func() uint64
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		MinParticipants:       3,
		VoteTimeout:           10 * time.Second,
		ProposalExpiry:        30 * time.Second,
		MaxForks:              8,
		MaxProposalsPerPeer:   4,
		MaxPendingProposals:   64,
		TimestampWindow:       300,
		RatePerPeer:           rate.Limit(20),
		RateBurst:             40,
		VoteBufferPerProposal: 32,
	}
}

// ByzantineThreshold is the vote count that finalizes or rejects a
// proposal: floor(2n/3) + 1. Any two such quorums overlap in at least one
// honest peer when at most floor(n/3) peers are faulty.
func ByzantineThreshold(n int) int { return (2*n)/3 + 1 }

// ParticipationThreshold is the distinct-voter floor a round needs before
// it may conclude: floor(2n/3).
func ParticipationThreshold(n int) int { return (2 * n) / 3 }
