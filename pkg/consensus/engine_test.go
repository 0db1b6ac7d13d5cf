package consensus

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meta-node-blockchain/dicemesh/pkg/events"
	"github.com/meta-node-blockchain/dicemesh/pkg/game"
	"github.com/meta-node-blockchain/dicemesh/pkg/identity"
	"github.com/meta-node-blockchain/dicemesh/pkg/state"
	"github.com/meta-node-blockchain/dicemesh/types"
)

const benchNow = uint64(1_700_000_500)

type bench struct {
	cfg     Config
	keys    []*identity.KeyPair
	peers   []types.PeerID
	genesis *state.GameConsensusState
	bus     *events.Bus
	engine  *Engine
}

func newBench(t *testing.T, n int, mutate func(*Config)) *bench {
	t.Helper()
	keys := make([]*identity.KeyPair, n)
	peers := make([]types.PeerID, n)
	for i := range keys {
		keys[i] = identity.GenerateKeyPair()
		peers[i] = keys[i].Address()
	}
	genesis := state.NewGenesisState(uuid.New(), peers, 10_000, 1_000_000, benchNow)

	cfg := DefaultConfig()
	cfg.Now = func() uint64 { return benchNow }
	if mutate != nil {
		mutate(&cfg)
	}

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	engine, err := NewEngine(cfg, keys[0], genesis, peers, bus, nil)
	require.NoError(t, err)

	return &bench{cfg: cfg, keys: keys, peers: peers, genesis: genesis, bus: bus, engine: engine}
}

func (b *bench) betOp(player int, amount, nonce uint64) state.OpPlaceBet {
	return state.OpPlaceBet{
		Player: b.peers[player],
		Bet: game.Bet{
			ID:        uuid.New(),
			Player:    b.peers[player],
			Game:      b.engine.GameID(),
			Kind:      game.BetPass,
			Amount:    amount,
			Timestamp: benchNow,
		},
		Nonce: nonce,
	}
}

// castVote signs and delivers peer i's vote to the engine under test.
func (b *bench) castVote(t *testing.T, i int, id types.ProposalID, choice VoteChoice) error {
	t.Helper()
	v := &Vote{Proposal: id, Voter: b.peers[i], Choice: choice, Timestamp: benchNow}
	require.NoError(t, SignVote(v, b.keys[i]))
	return b.engine.ReceiveVote(v)
}

// remoteProposal builds what peer i would broadcast for op.
func (b *bench) remoteProposal(t *testing.T, i int, op state.Operation) *GameProposal {
	t.Helper()
	current := b.engine.CurrentState()
	next, err := current.Apply(op, benchNow)
	require.NoError(t, err)
	p := &GameProposal{
		Proposer:      b.peers[i],
		PrevStateHash: current.StateHash,
		Operation:     op,
		ProposedState: next,
		Timestamp:     benchNow,
		Nonce:         uint64(i) + 1,
	}
	require.NoError(t, SignProposal(p, b.keys[i]))
	return p
}

func TestEngineRequiresMinimumPeers(t *testing.T) {
	keys := []*identity.KeyPair{identity.GenerateKeyPair(), identity.GenerateKeyPair()}
	peers := []types.PeerID{keys[0].Address(), keys[1].Address()}
	genesis := state.NewGenesisState(uuid.New(), peers, 10_000, 1_000_000, benchNow)

	_, err := NewEngine(DefaultConfig(), keys[0], genesis, peers, nil, nil)
	require.ErrorIs(t, err, ErrInsufficientPeers)
}

func TestProposeAndFinalizeThreePeers(t *testing.T) {
	b := newBench(t, 3, nil)

	proposal, vote, err := b.engine.ProposeOperation(b.betOp(0, 100, 1))
	require.NoError(t, err)
	require.NotNil(t, proposal)
	assert.Equal(t, VoteFor, vote.Choice)
	assert.Equal(t, uint64(0), b.engine.CurrentState().Sequence)

	require.NoError(t, b.castVote(t, 1, proposal.ID, VoteFor))
	assert.Equal(t, uint64(0), b.engine.CurrentState().Sequence)

	// Third approval reaches floor(2*3/3)+1 = 3 and finalizes.
	require.NoError(t, b.castVote(t, 2, proposal.ID, VoteFor))

	current := b.engine.CurrentState()
	assert.Equal(t, uint64(1), current.Sequence)
	assert.Equal(t, uint64(10_000-100), current.BalanceOf(b.peers[0]))
	assert.Equal(t, uint64(1_000_000+100), current.BalanceOf(state.TreasuryAccount))
	assert.Equal(t, uint64(1), b.engine.Metrics().RoundsCompleted.Load())
}

func TestNinePeerQuorumBoundary(t *testing.T) {
	t.Run("seven approvals finalize", func(t *testing.T) {
		b := newBench(t, 9, nil)
		proposal, _, err := b.engine.ProposeOperation(b.betOp(0, 100, 1))
		require.NoError(t, err)

		for i := 1; i <= 5; i++ {
			require.NoError(t, b.castVote(t, i, proposal.ID, VoteFor))
		}
		assert.Equal(t, uint64(0), b.engine.CurrentState().Sequence, "six approvals must not finalize")

		require.NoError(t, b.castVote(t, 6, proposal.ID, VoteFor))
		assert.Equal(t, uint64(1), b.engine.CurrentState().Sequence, "seventh approval finalizes")
	})

	t.Run("six for three against stays open", func(t *testing.T) {
		b := newBench(t, 9, nil)
		proposal, _, err := b.engine.ProposeOperation(b.betOp(0, 100, 1))
		require.NoError(t, err)

		for i := 1; i <= 5; i++ {
			require.NoError(t, b.castVote(t, i, proposal.ID, VoteFor))
		}
		for i := 6; i <= 8; i++ {
			require.NoError(t, b.castVote(t, i, proposal.ID, VoteAgainst))
		}
		assert.Equal(t, uint64(0), b.engine.CurrentState().Sequence)
		assert.Equal(t, uint64(0), b.engine.Metrics().ProposalsRejected.Load())
	})

	t.Run("five for four against stays open", func(t *testing.T) {
		b := newBench(t, 9, nil)
		proposal, _, err := b.engine.ProposeOperation(b.betOp(0, 100, 1))
		require.NoError(t, err)

		for i := 1; i <= 4; i++ {
			require.NoError(t, b.castVote(t, i, proposal.ID, VoteFor))
		}
		for i := 5; i <= 8; i++ {
			require.NoError(t, b.castVote(t, i, proposal.ID, VoteAgainst))
		}
		assert.Equal(t, uint64(0), b.engine.CurrentState().Sequence)
		assert.Equal(t, uint64(0), b.engine.Metrics().ProposalsRejected.Load())
	})

	t.Run("seven rejections close the round", func(t *testing.T) {
		b := newBench(t, 9, nil)
		proposal, _, err := b.engine.ProposeOperation(b.betOp(0, 100, 1))
		require.NoError(t, err)

		for i := 1; i <= 7; i++ {
			require.NoError(t, b.castVote(t, i, proposal.ID, VoteAgainst))
		}
		assert.Equal(t, uint64(0), b.engine.CurrentState().Sequence)
		assert.Equal(t, uint64(1), b.engine.Metrics().ProposalsRejected.Load())

		_, err = b.engine.VoteOnProposal(proposal.ID, VoteFor)
		require.ErrorIs(t, err, ErrStaleOperation)
	})
}

func TestEquivocationIsFlagged(t *testing.T) {
	b := newBench(t, 9, nil)
	ch, cancel := b.bus.Subscribe(16)
	defer cancel()

	proposal, _, err := b.engine.ProposeOperation(b.betOp(0, 100, 1))
	require.NoError(t, err)

	require.NoError(t, b.castVote(t, 1, proposal.ID, VoteFor))
	err = b.castVote(t, 1, proposal.ID, VoteAgainst)
	require.ErrorIs(t, err, ErrDuplicateVote)
	assert.Equal(t, uint64(1), b.engine.Metrics().EquivocationsDetected.Load())

	ev := <-ch
	anomaly, ok := ev.(events.AnomalyDetected)
	require.True(t, ok, "expected anomaly event, got %T", ev)
	assert.Equal(t, b.peers[1], anomaly.Suspect)
	assert.Equal(t, "equivocating_vote", anomaly.Anomaly)
}

func TestVotesBufferedUntilProposalArrives(t *testing.T) {
	b := newBench(t, 5, nil)

	op := b.betOp(1, 100, 1)
	proposal := b.remoteProposal(t, 1, op)

	// Votes race ahead of the proposal and are buffered.
	require.NoError(t, b.castVote(t, 2, proposal.ID, VoteFor))
	require.NoError(t, b.castVote(t, 3, proposal.ID, VoteFor))
	assert.Equal(t, uint64(0), b.engine.CurrentState().Sequence)

	// Proposal arrival replays the buffer: implicit proposer vote, local
	// vote and two buffered votes reach floor(2*5/3)+1 = 4.
	vote, err := b.engine.ReceiveProposal(proposal)
	require.NoError(t, err)
	assert.Equal(t, VoteFor, vote.Choice)
	assert.Equal(t, uint64(1), b.engine.CurrentState().Sequence)
}

func TestDuplicateProposalDeliveryIsIdempotent(t *testing.T) {
	b := newBench(t, 5, nil)

	proposal := b.remoteProposal(t, 1, b.betOp(1, 100, 1))
	vote, err := b.engine.ReceiveProposal(proposal)
	require.NoError(t, err)
	require.NotNil(t, vote)

	again, err := b.engine.ReceiveProposal(proposal)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestConservationViolationDrawsRejectionVote(t *testing.T) {
	b := newBench(t, 9, nil)

	current := b.engine.CurrentState()
	forged := current.Clone()
	forged.Sequence++
	forged.Timestamp = benchNow
	forged.Balances[b.peers[1]] += 1_000
	forged.Seal()

	op := state.OpUpdateBalances{
		Changes: []state.BalanceChange{{Peer: b.peers[1], Delta: 1_000}},
		Reason:  "self enrichment",
		Mint:    false,
	}
	p := &GameProposal{
		Proposer:      b.peers[1],
		PrevStateHash: current.StateHash,
		Operation:     op,
		ProposedState: forged,
		Timestamp:     benchNow,
		Nonce:         1,
	}
	require.NoError(t, SignProposal(p, b.keys[1]))

	vote, err := b.engine.ReceiveProposal(p)
	require.NoError(t, err)
	assert.Equal(t, VoteAgainst, vote.Choice)
}

func TestProposalOutsideTimestampWindow(t *testing.T) {
	b := newBench(t, 5, nil)

	current := b.engine.CurrentState()
	op := b.betOp(1, 100, 1)
	next, err := current.Apply(op, benchNow-301)
	require.NoError(t, err)
	p := &GameProposal{
		Proposer:      b.peers[1],
		PrevStateHash: current.StateHash,
		Operation:     op,
		ProposedState: next,
		Timestamp:     benchNow - 301,
		Nonce:         1,
	}
	require.NoError(t, SignProposal(p, b.keys[1]))

	_, err = b.engine.ReceiveProposal(p)
	require.ErrorIs(t, err, state.ErrTimeManipulation)
}

func TestStrangersAreRefused(t *testing.T) {
	b := newBench(t, 3, nil)
	stranger := identity.GenerateKeyPair()

	v := &Vote{Proposal: types.ProposalID{1}, Voter: stranger.Address(), Choice: VoteFor, Timestamp: benchNow}
	require.NoError(t, SignVote(v, stranger))
	require.ErrorIs(t, b.engine.ReceiveVote(v), ErrUnknownPeer)
}

func TestPerPeerRateLimit(t *testing.T) {
	b := newBench(t, 3, func(cfg *Config) {
		cfg.RatePerPeer = 1
		cfg.RateBurst = 1
	})

	require.NoError(t, b.castVote(t, 1, types.ProposalID{1}, VoteFor))
	err := b.castVote(t, 1, types.ProposalID{2}, VoteFor)
	require.ErrorIs(t, err, ErrRateLimitExceeded)
}

func TestProposerContentionLimit(t *testing.T) {
	b := newBench(t, 9, func(cfg *Config) {
		cfg.MaxProposalsPerPeer = 1
	})

	_, _, err := b.engine.ProposeOperation(b.betOp(0, 100, 1))
	require.NoError(t, err)
	_, _, err = b.engine.ProposeOperation(b.betOp(0, 100, 2))
	require.ErrorIs(t, err, ErrTooMuchContention)
}

func TestProposeRejectsInvalidOperation(t *testing.T) {
	b := newBench(t, 3, nil)

	_, _, err := b.engine.ProposeOperation(b.betOp(0, 50_000, 1))
	require.ErrorIs(t, err, ErrInvalidProposal)
	require.ErrorIs(t, err, state.ErrInsufficientBalance)
}

func TestExpireStaleDropsOldProposals(t *testing.T) {
	b := newBench(t, 9, nil)

	proposal, _, err := b.engine.ProposeOperation(b.betOp(0, 100, 1))
	require.NoError(t, err)

	b.engine.ExpireStale(time.Now().Add(b.cfg.ProposalExpiry + time.Second))
	assert.Equal(t, uint64(1), b.engine.Metrics().ProposalsExpired.Load())

	_, err = b.engine.VoteOnProposal(proposal.ID, VoteFor)
	require.ErrorIs(t, err, ErrStaleOperation)
}

func TestExpireStaleFailsTimedOutRound(t *testing.T) {
	b := newBench(t, 9, nil)

	proposal, _, err := b.engine.ProposeOperation(b.betOp(0, 100, 1))
	require.NoError(t, err)

	// Participation floor for nine peers is six distinct voters.
	for i := 1; i <= 3; i++ {
		require.NoError(t, b.castVote(t, i, proposal.ID, VoteFor))
	}
	for i := 4; i <= 5; i++ {
		require.NoError(t, b.castVote(t, i, proposal.ID, VoteAbstain))
	}

	b.engine.ExpireStale(time.Now().Add(b.cfg.VoteTimeout + time.Second))
	assert.Equal(t, uint64(1), b.engine.Metrics().RoundsFailed.Load())
}

func TestForkAdoptionAtQuorumWeight(t *testing.T) {
	b := newBench(t, 5, nil)

	alt, err := b.genesis.Apply(b.betOp(1, 250, 1), benchNow)
	require.NoError(t, err)

	require.NoError(t, b.engine.HandleFork(alt, b.peers[1]))
	assert.Equal(t, 1, b.engine.ForkCount())
	assert.Equal(t, uint64(1), b.engine.Metrics().ForksDetected.Load())

	require.NoError(t, b.engine.HandleFork(alt, b.peers[2]))
	require.NoError(t, b.engine.HandleFork(alt, b.peers[3]))
	assert.Equal(t, b.genesis.StateHash, b.engine.CurrentState().StateHash,
		"three supporters are below the adoption threshold of four")

	require.NoError(t, b.engine.HandleFork(alt, b.peers[4]))
	assert.Equal(t, alt.StateHash, b.engine.CurrentState().StateHash)
	assert.Equal(t, 0, b.engine.ForkCount())
}

func TestForkTieBreakAtEqualSequence(t *testing.T) {
	b := newBench(t, 5, nil)

	// Finalize head A at sequence one.
	proposal, _, err := b.engine.ProposeOperation(b.betOp(0, 100, 1))
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, b.castVote(t, i, proposal.ID, VoteFor))
	}
	headA := b.engine.CurrentState()
	require.Equal(t, uint64(1), headA.Sequence)

	// A competing head B at the same sequence gathers quorum support.
	headB, err := b.genesis.Apply(b.betOp(2, 777, 2), benchNow)
	require.NoError(t, err)
	require.NotEqual(t, headA.StateHash, headB.StateHash)
	for i := 1; i <= 4; i++ {
		require.NoError(t, b.engine.HandleFork(headB, b.peers[i]))
	}

	want := headA.StateHash
	if lowerHash(headB.StateHash, headA.StateHash) {
		want = headB.StateHash
	}
	assert.Equal(t, want, b.engine.CurrentState().StateHash,
		"equal-length branches resolve to the lower hash")
	assert.Equal(t, 0, b.engine.ForkCount())
}

func TestForkHeadIntegrityChecked(t *testing.T) {
	b := newBench(t, 5, nil)

	alt, err := b.genesis.Apply(b.betOp(1, 250, 1), benchNow)
	require.NoError(t, err)
	tampered := alt.Clone()
	tampered.Balances[b.peers[1]] += 5 // hash no longer matches contents

	require.ErrorIs(t, b.engine.HandleFork(tampered, b.peers[1]), ErrInvalidProposal)
	assert.Equal(t, 0, b.engine.ForkCount())
}

func TestProposalWireRoundTrip(t *testing.T) {
	b := newBench(t, 3, nil)

	proposal := b.remoteProposal(t, 1, b.betOp(1, 100, 1))
	data, err := EncodeProposal(proposal)
	require.NoError(t, err)

	decoded, err := DecodeProposal(data)
	require.NoError(t, err)
	assert.Equal(t, proposal.ID, decoded.ID)
	assert.Equal(t, proposal.Proposer, decoded.Proposer)
	assert.Equal(t, proposal.PrevStateHash, decoded.PrevStateHash)
	assert.Equal(t, proposal.ProposedState.StateHash, decoded.ProposedState.StateHash)
	require.NoError(t, VerifyProposal(decoded))

	vote := &Vote{Proposal: proposal.ID, Voter: b.peers[1], Choice: VoteAgainst, Timestamp: benchNow}
	require.NoError(t, SignVote(vote, b.keys[1]))
	voteData, err := EncodeVote(vote)
	require.NoError(t, err)
	decodedVote, err := DecodeVote(voteData)
	require.NoError(t, err)
	assert.Equal(t, vote.Choice, decodedVote.Choice)
	require.NoError(t, VerifyVote(decodedVote))
}
