package node

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/meta-node-blockchain/dicemesh/pkg/config"
	"github.com/meta-node-blockchain/dicemesh/types"
)

// OptionsFromConfig maps a loaded file configuration onto Options. Knobs
// left at zero in the file keep the protocol defaults.
func OptionsFromConfig(cfg *config.NodeConfig) (Options, error) {
	opts := DefaultOptions()
	if cfg.GameID != "" {
		gid, err := uuid.Parse(cfg.GameID)
		if err != nil {
			return Options{}, fmt.Errorf("node: game id %q: %w", cfg.GameID, err)
		}
		opts.Game = types.GameID(gid)
	}
	for _, peer := range cfg.Peers {
		opts.Participants = append(opts.Participants, types.HexToPeerID(peer.Address))
	}

	c := cfg.Consensus
	if c.VoteTimeoutMs > 0 {
		opts.Consensus.VoteTimeout = time.Duration(c.VoteTimeoutMs) * time.Millisecond
	}
	if c.ProposalExpiryMs > 0 {
		opts.Consensus.ProposalExpiry = time.Duration(c.ProposalExpiryMs) * time.Millisecond
	}
	if c.MaxForks > 0 {
		opts.Consensus.MaxForks = c.MaxForks
	}
	if c.MaxProposalsPerPeer > 0 {
		opts.Consensus.MaxProposalsPerPeer = c.MaxProposalsPerPeer
	}
	if c.MaxPendingProposals > 0 {
		opts.Consensus.MaxPendingProposals = c.MaxPendingProposals
	}
	if c.MinParticipants > 0 {
		opts.Consensus.MinParticipants = c.MinParticipants
	}
	if c.TimestampWindowSec > 0 {
		opts.Consensus.TimestampWindow = uint64(c.TimestampWindowSec)
	}
	if c.RatePerPeer > 0 {
		opts.Consensus.RatePerPeer = rate.Limit(c.RatePerPeer)
	}
	if c.RateBurst > 0 {
		opts.Consensus.RateBurst = c.RateBurst
	}

	r := cfg.Randomness
	if r.CommitWindowMs > 0 {
		opts.Randomness.CommitWindow = time.Duration(r.CommitWindowMs) * time.Millisecond
	}
	if r.RevealWindowMs > 0 {
		opts.Randomness.RevealWindow = time.Duration(r.RevealWindowMs) * time.Millisecond
	}
	if r.MinReveals > 0 {
		opts.Randomness.MinReveals = r.MinReveals
	}
	if r.MaxRounds > 0 {
		opts.Randomness.MaxRounds = r.MaxRounds
	}

	d := cfg.Dispute
	if d.VotingPeriodSec > 0 {
		opts.Dispute.VotingPeriod = time.Duration(d.VotingPeriodSec) * time.Second
	}
	if d.MinVotes > 0 {
		opts.Dispute.MinVotes = d.MinVotes
	}
	if d.SlashAmount > 0 {
		opts.Dispute.SlashAmount = d.SlashAmount
	}
	return opts, nil
}
