package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	blob := `{
		"id": 2,
		"game_id": "4b8c0d1e-0000-4000-8000-000000000000",
		"peers": [{"id": 0, "address": "0x1111111111111111111111111111111111111111"}],
		"consensus": {"vote_timeout_ms": 2500},
		"store": {"backend": "badger", "path": "dice-data"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(blob), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.ID)
	assert.Equal(t, "4b8c0d1e-0000-4000-8000-000000000000", cfg.GameID)
	require.Len(t, cfg.Peers, 1)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", cfg.Peers[0].Address)
	assert.Equal(t, 2500, cfg.Consensus.VoteTimeoutMs)
	assert.Equal(t, 30_000, cfg.Consensus.ProposalExpiryMs,
		"knobs absent from the file keep their defaults")
	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, 5_000, cfg.Randomness.CommitWindowMs)
	assert.Equal(t, uint64(100), cfg.Dispute.SlashAmount)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLoadConfigRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
