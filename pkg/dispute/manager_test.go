package dispute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meta-node-blockchain/dicemesh/pkg/events"
	"github.com/meta-node-blockchain/dicemesh/pkg/identity"
	"github.com/meta-node-blockchain/dicemesh/pkg/state"
	"github.com/meta-node-blockchain/dicemesh/types"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// court is a five-peer mesh seen from peer 0, the disputer. Majority and
// the participation floor both sit at three votes.
type court struct {
	clock   *fakeClock
	keys    []*identity.KeyPair
	peers   []types.PeerID
	bus     *events.Bus
	manager *Manager
}

func newCourt(t *testing.T, n int, mutate func(*Config)) *court {
	t.Helper()
	keys := make([]*identity.KeyPair, n)
	peers := make([]types.PeerID, n)
	for i := range keys {
		keys[i] = identity.GenerateKeyPair()
		peers[i] = keys[i].Address()
	}
	clock := &fakeClock{now: time.Unix(1_700_000_500, 0)}
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	if mutate != nil {
		mutate(&cfg)
	}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return &court{
		clock:   clock,
		keys:    keys,
		peers:   peers,
		bus:     bus,
		manager: NewManager(cfg, keys[0], peers, bus, nil),
	}
}

func (c *court) raise(t *testing.T, accused int) *Dispute {
	t.Helper()
	claim := ClaimConsensusViolation{
		Description: "voted for both heads at sequence 4",
		States:      []types.Hash{types.HexToHash("0x01"), types.HexToHash("0x02")},
	}
	d, err := c.manager.Raise(c.peers[accused], types.HexToHash("0x01"), claim, nil)
	require.NoError(t, err)
	return d
}

func (c *court) voteFrom(t *testing.T, i int, id types.DisputeID, choice VoteChoice) error {
	t.Helper()
	v := &DisputeVote{
		Dispute:   id,
		Voter:     c.peers[i],
		Choice:    choice,
		Timestamp: uint64(c.clock.Now().Unix()),
	}
	require.NoError(t, SignDisputeVote(v, c.keys[i]))
	return c.manager.ReceiveVote(v)
}

func TestRaiseIsIdempotent(t *testing.T) {
	c := newCourt(t, 5, nil)
	first := c.raise(t, 2)
	second := c.raise(t, 2)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, c.manager.Open(), 1)
}

func TestRaiseValidatesInput(t *testing.T) {
	c := newCourt(t, 5, nil)

	_, err := c.manager.Raise(c.peers[1], types.HexToHash("0x01"), ClaimConsensusViolation{}, nil)
	assert.ErrorIs(t, err, ErrInvalidClaim)

	stranger := identity.GenerateKeyPair().Address()
	claim := ClaimConsensusViolation{Description: "x", States: []types.Hash{types.HexToHash("0x01")}}
	_, err = c.manager.Raise(stranger, types.HexToHash("0x01"), claim, nil)
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = c.manager.Raise(c.peers[1], types.HexToHash("0x01"), claim,
		[]Evidence{EvidenceTimestampProof{Claimed: 9, Observed: 9}})
	assert.ErrorIs(t, err, ErrInvalidEvidence)
}

func TestUpholdMajoritySlashesAccused(t *testing.T) {
	c := newCourt(t, 5, nil)
	d := c.raise(t, 2) // disputer's uphold vote is implicit

	_, err := c.manager.Resolve(d.ID)
	assert.ErrorIs(t, err, ErrVotingInProgress)

	require.NoError(t, c.voteFrom(t, 1, d.ID, VoteUphold))
	require.NoError(t, c.voteFrom(t, 3, d.ID, VoteUphold))

	res, err := c.manager.Resolve(d.ID)
	require.NoError(t, err)
	assert.Equal(t, VerdictUpheld, res.Verdict)
	assert.Equal(t, c.peers[2], res.Penalized)

	penalty, ok := res.Penalty.(state.OpUpdateBalances)
	require.True(t, ok)
	require.Len(t, penalty.Changes, 1)
	assert.Equal(t, c.peers[2], penalty.Changes[0].Peer)
	assert.Equal(t, int64(-100), penalty.Changes[0].Delta)
	assert.False(t, penalty.Mint)

	again, err := c.manager.Resolve(d.ID)
	require.NoError(t, err)
	assert.Same(t, res, again)

	assert.ErrorIs(t, c.voteFrom(t, 4, d.ID, VoteUphold), ErrVotingClosed)
	assert.Empty(t, c.manager.Open())
}

func TestPenaltyAppliesToState(t *testing.T) {
	c := newCourt(t, 5, nil)
	d := c.raise(t, 2)
	require.NoError(t, c.voteFrom(t, 1, d.ID, VoteUphold))
	require.NoError(t, c.voteFrom(t, 3, d.ID, VoteUphold))
	res, err := c.manager.Resolve(d.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Penalty)

	now := uint64(c.clock.Now().Unix())
	genesis := state.NewGenesisState(types.GameID{}, c.peers, 10_000, 1_000_000, now)
	next, err := genesis.Apply(res.Penalty, now)
	require.NoError(t, err)
	assert.Equal(t, uint64(9_900), next.Balances[c.peers[2]])
	assert.NoError(t, state.Validate(genesis, next, res.Penalty, now, 300))
}

func TestRejectMajoritySlashesDisputer(t *testing.T) {
	c := newCourt(t, 5, nil)
	d := c.raise(t, 2)
	require.NoError(t, c.voteFrom(t, 1, d.ID, VoteReject))
	require.NoError(t, c.voteFrom(t, 3, d.ID, VoteReject))
	require.NoError(t, c.voteFrom(t, 4, d.ID, VoteReject))

	res, err := c.manager.Resolve(d.ID)
	require.NoError(t, err)
	assert.Equal(t, VerdictRejected, res.Verdict)
	assert.Equal(t, c.peers[0], res.Penalized, "frivolous accusation costs the disputer")
}

func TestNeedMoreEvidenceExtendsOnce(t *testing.T) {
	c := newCourt(t, 5, nil)
	d := c.raise(t, 2)
	deadline := d.Deadline

	require.NoError(t, c.voteFrom(t, 1, d.ID, VoteNeedMoreEvidence))
	require.NoError(t, c.voteFrom(t, 3, d.ID, VoteNeedMoreEvidence))
	require.NoError(t, c.voteFrom(t, 4, d.ID, VoteNeedMoreEvidence))

	_, err := c.manager.Resolve(d.ID)
	assert.ErrorIs(t, err, ErrMoreEvidenceNeeded)
	assert.Equal(t, deadline+3600, d.Deadline)

	// The extension keeps the vote open rather than abstaining outright.
	_, err = c.manager.Resolve(d.ID)
	assert.ErrorIs(t, err, ErrVotingInProgress)

	// Still no evidence once the extension lapses: give up.
	c.clock.Advance(2*time.Hour + time.Second)
	res, err := c.manager.Resolve(d.ID)
	require.NoError(t, err)
	assert.Equal(t, VerdictAbstained, res.Verdict)
	assert.Equal(t, types.PeerID{}, res.Penalized)
	assert.Nil(t, res.Penalty)
}

func TestEvidenceRequestCanBeWithdrawn(t *testing.T) {
	c := newCourt(t, 5, nil)
	d := c.raise(t, 2)

	require.NoError(t, c.voteFrom(t, 1, d.ID, VoteNeedMoreEvidence))
	require.NoError(t, c.voteFrom(t, 1, d.ID, VoteUphold), "evidence request may become a position")
	require.NoError(t, c.voteFrom(t, 1, d.ID, VoteUphold), "repeating a vote is idempotent")
	assert.ErrorIs(t, c.voteFrom(t, 1, d.ID, VoteReject), ErrAlreadyVoted)

	require.NoError(t, c.voteFrom(t, 3, d.ID, VoteUphold))
	res, err := c.manager.Resolve(d.ID)
	require.NoError(t, err)
	assert.Equal(t, VerdictUpheld, res.Verdict)
}

func TestDeadlineWithoutMajorityAbstains(t *testing.T) {
	c := newCourt(t, 5, nil)
	d := c.raise(t, 2)
	require.NoError(t, c.voteFrom(t, 1, d.ID, VoteUphold))

	_, err := c.manager.Resolve(d.ID)
	assert.ErrorIs(t, err, ErrVotingInProgress)

	c.clock.Advance(time.Hour + time.Second)
	resolved := c.manager.ResolveExpired(c.clock.Now())
	require.Len(t, resolved, 1)
	assert.Equal(t, VerdictAbstained, resolved[0].Verdict)
	assert.Nil(t, resolved[0].Penalty)

	assert.ErrorIs(t, c.voteFrom(t, 3, d.ID, VoteUphold), ErrVotingClosed)
}

func TestLateVotesRefusedBeforeResolution(t *testing.T) {
	c := newCourt(t, 5, nil)
	d := c.raise(t, 2)
	c.clock.Advance(2 * time.Hour)
	assert.ErrorIs(t, c.voteFrom(t, 1, d.ID, VoteUphold), ErrVotingClosed)
}

func TestFullVoteWithoutMajorityAbstains(t *testing.T) {
	c := newCourt(t, 5, nil)
	d := c.raise(t, 2)
	require.NoError(t, c.voteFrom(t, 1, d.ID, VoteUphold))
	require.NoError(t, c.voteFrom(t, 2, d.ID, VoteReject))
	require.NoError(t, c.voteFrom(t, 3, d.ID, VoteReject))
	require.NoError(t, c.voteFrom(t, 4, d.ID, VoteAbstain))

	res, err := c.manager.Resolve(d.ID)
	require.NoError(t, err)
	assert.Equal(t, VerdictAbstained, res.Verdict)
}

func TestReceiveDisputeCountsImplicitUpholdVote(t *testing.T) {
	c := newCourt(t, 5, nil)

	// Peer 1 raises a dispute on its own manager and relays it to peer 0.
	remote := NewManager(c.manager.cfg, c.keys[1], c.peers, nil, nil)
	claim := ClaimConsensusViolation{Description: "x", States: []types.Hash{types.HexToHash("0x09")}}
	d, err := remote.Raise(c.peers[2], types.HexToHash("0x09"), claim, nil)
	require.NoError(t, err)

	require.NoError(t, c.manager.ReceiveDispute(d))
	require.NoError(t, c.manager.ReceiveDispute(d), "redelivery is idempotent")

	require.NoError(t, c.voteFrom(t, 3, d.ID, VoteUphold))
	require.NoError(t, c.voteFrom(t, 4, d.ID, VoteUphold))

	res, err := c.manager.Resolve(d.ID)
	require.NoError(t, err)
	assert.Equal(t, VerdictUpheld, res.Verdict, "disputer's raise counts as an uphold vote")
}

func TestForgedDisputeRejected(t *testing.T) {
	c := newCourt(t, 5, nil)
	remote := NewManager(c.manager.cfg, c.keys[1], c.peers, nil, nil)
	claim := ClaimConsensusViolation{Description: "x", States: []types.Hash{types.HexToHash("0x09")}}
	d, err := remote.Raise(c.peers[2], types.HexToHash("0x09"), claim, nil)
	require.NoError(t, err)

	tampered := *d
	tampered.Deadline += 60
	assert.ErrorIs(t, c.manager.ReceiveDispute(&tampered), ErrForgedDispute)

	relabeled := *d
	relabeled.DisputedState = types.HexToHash("0xdead")
	assert.ErrorIs(t, c.manager.ReceiveDispute(&relabeled), ErrForgedDispute,
		"id must match the claim it was derived from")
}

func TestForgedVoteRejected(t *testing.T) {
	c := newCourt(t, 5, nil)
	d := c.raise(t, 2)

	v := &DisputeVote{Dispute: d.ID, Voter: c.peers[1], Choice: VoteUphold, Timestamp: uint64(c.clock.Now().Unix())}
	require.NoError(t, SignDisputeVote(v, c.keys[3])) // signed by the wrong peer
	assert.Error(t, c.manager.ReceiveVote(v))

	stranger := identity.GenerateKeyPair()
	sv := &DisputeVote{Dispute: d.ID, Voter: stranger.Address(), Choice: VoteUphold, Timestamp: uint64(c.clock.Now().Unix())}
	require.NoError(t, SignDisputeVote(sv, stranger))
	assert.ErrorIs(t, c.manager.ReceiveVote(sv), ErrNotParticipant)
}

func TestCastVoteProducesVerifiableVote(t *testing.T) {
	c := newCourt(t, 5, nil)
	remote := NewManager(c.manager.cfg, c.keys[1], c.peers, nil, nil)
	claim := ClaimConsensusViolation{Description: "x", States: []types.Hash{types.HexToHash("0x09")}}
	d, err := remote.Raise(c.peers[2], types.HexToHash("0x09"), claim, nil)
	require.NoError(t, err)
	require.NoError(t, c.manager.ReceiveDispute(d))

	v, err := c.manager.CastVote(d.ID, VoteReject)
	require.NoError(t, err)
	assert.NoError(t, VerifyDisputeVote(v))
	assert.Equal(t, c.peers[0], v.Voter)

	_, err = c.manager.CastVote(types.DisputeID{0xff}, VoteReject)
	assert.ErrorIs(t, err, ErrUnknownDispute)
}

func TestDisputeResolvedEventPublished(t *testing.T) {
	c := newCourt(t, 5, nil)
	ch, cancel := c.bus.Subscribe(4)
	defer cancel()

	d := c.raise(t, 2)
	require.NoError(t, c.voteFrom(t, 1, d.ID, VoteUphold))
	require.NoError(t, c.voteFrom(t, 3, d.ID, VoteUphold))
	_, err := c.manager.Resolve(d.ID)
	require.NoError(t, err)

	ev := <-ch
	resolved, ok := ev.(events.DisputeResolved)
	require.True(t, ok)
	assert.Equal(t, d.ID, resolved.ID)
	assert.Equal(t, "upheld", resolved.Verdict)
	assert.Equal(t, c.peers[2], resolved.Penalized)
}

func TestDisputeWireRoundTrip(t *testing.T) {
	c := newCourt(t, 5, nil)
	claim := ClaimConsensusViolation{Description: "x", States: []types.Hash{types.HexToHash("0x09")}}
	evidence := []Evidence{EvidenceTimestampProof{Claimed: 5, Observed: 900}}
	d, err := c.manager.Raise(c.peers[2], types.HexToHash("0x09"), claim, evidence)
	require.NoError(t, err)

	data, err := EncodeDispute(d)
	require.NoError(t, err)
	decoded, err := DecodeDispute(data)
	require.NoError(t, err)
	assert.Equal(t, d.ID, decoded.ID)
	assert.Equal(t, d.Claim, decoded.Claim)
	assert.Equal(t, d.Evidence, decoded.Evidence)
	assert.NoError(t, VerifyDispute(decoded))

	v, err := c.manager.CastVote(d.ID, VoteUphold)
	require.NoError(t, err)
	vData, err := EncodeDisputeVote(v)
	require.NoError(t, err)
	vDecoded, err := DecodeDisputeVote(vData)
	require.NoError(t, err)
	assert.Equal(t, v, vDecoded)
	assert.NoError(t, VerifyDisputeVote(vDecoded))
}

func TestVoteOnUnknownDispute(t *testing.T) {
	c := newCourt(t, 5, nil)
	err := c.voteFrom(t, 1, types.DisputeID{0xab}, VoteUphold)
	assert.ErrorIs(t, err, ErrUnknownDispute)
}
