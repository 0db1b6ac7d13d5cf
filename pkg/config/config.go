package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// PeerConfig describes one mesh participant.
type PeerConfig struct {
	Id      int    `json:"id"`
	Address string `json:"address"`
}

// ConsensusConfig carries the tuning knobs of the agreement loop.
type ConsensusConfig struct {
	VoteTimeoutMs       int `json:"vote_timeout_ms"`
	ProposalExpiryMs    int `json:"proposal_expiry_ms"`
	MaxForks            int `json:"max_forks"`
	MaxProposalsPerPeer int `json:"max_proposals_per_peer"`
	MaxPendingProposals int `json:"max_pending_proposals"`
	MinParticipants     int `json:"min_participants"`
	TimestampWindowSec  int `json:"timestamp_window_sec"`
	RatePerPeer         int `json:"rate_per_peer"`
	RateBurst           int `json:"rate_burst"`
}

// RandomnessConfig carries the commit-reveal deadlines.
type RandomnessConfig struct {
	CommitWindowMs int `json:"commit_window_ms"`
	RevealWindowMs int `json:"reveal_window_ms"`
	MinReveals     int `json:"min_reveals"` // 0 means derive from participant count
	MaxRounds      int `json:"max_rounds"`
}

// DisputeConfig carries dispute-resolution settings.
type DisputeConfig struct {
	VotingPeriodSec int    `json:"voting_period_sec"`
	MinVotes        int    `json:"min_votes"`
	SlashAmount     uint64 `json:"slash_amount"`
}

// StoreConfig selects and locates the persistence backend.
type StoreConfig struct {
	Backend string `json:"backend"` // "memory", "badger" or "leveldb"
	Path    string `json:"path"`
}

// NodeConfig is the root configuration for one node.
type NodeConfig struct {
	ID         int              `json:"id"`
	KeyPair    string           `json:"key_pair"`
	GameID     string           `json:"game_id"`
	Peers      []PeerConfig     `json:"peers"`
	Consensus  ConsensusConfig  `json:"consensus"`
	Randomness RandomnessConfig `json:"randomness"`
	Dispute    DisputeConfig    `json:"dispute"`
	Store      StoreConfig      `json:"store"`
	LogFlag    int              `json:"log_flag"`
	LogFile    string           `json:"log_file"`
}

// DefaultNodeConfig returns a NodeConfig with the protocol defaults filled
// in. Callers overwrite identity and peer list.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Consensus: ConsensusConfig{
			VoteTimeoutMs:       10_000,
			ProposalExpiryMs:    30_000,
			MaxForks:            8,
			MaxProposalsPerPeer: 4,
			MaxPendingProposals: 64,
			MinParticipants:     3,
			TimestampWindowSec:  300,
			RatePerPeer:         20,
			RateBurst:           40,
		},
		Randomness: RandomnessConfig{
			CommitWindowMs: 5_000,
			RevealWindowMs: 5_000,
			MaxRounds:      64,
		},
		Dispute: DisputeConfig{
			VotingPeriodSec: 3_600,
			MinVotes:        0, // 0 means derive from participant count
			SlashAmount:     100,
		},
		Store:   StoreConfig{Backend: "memory"},
		LogFlag: 3,
	}
}

// LoadConfig reads a NodeConfig from a JSON file.
func LoadConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultNodeConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
