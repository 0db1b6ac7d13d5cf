package state

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meta-node-blockchain/dicemesh/pkg/game"
	"github.com/meta-node-blockchain/dicemesh/types"
)

var (
	alice = types.HexToPeerID("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob   = types.HexToPeerID("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	carol = types.HexToPeerID("0xcccccccccccccccccccccccccccccccccccccccc")
)

const testWindow = 300

func testGenesis(t *testing.T) *GameConsensusState {
	t.Helper()
	gameID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	return NewGenesisState(gameID, []types.PeerID{alice, bob, carol}, 1_000, 10_000, 1_000_000)
}

func passBet(player types.PeerID, amount uint64, id byte) game.Bet {
	return game.Bet{ID: [16]byte{id}, Player: player, Kind: game.BetPass, Amount: amount}
}

func TestGenesisHashDeterministic(t *testing.T) {
	a := testGenesis(t)
	b := testGenesis(t)
	// Same inputs must hash identically regardless of map iteration order.
	assert.Equal(t, a.StateHash, b.StateHash)
	assert.Equal(t, a.ComputeHash(), b.ComputeHash())
}

func TestApplyPlaceBetMovesStakeToTreasury(t *testing.T) {
	genesis := testGenesis(t)
	op := OpPlaceBet{Player: alice, Bet: passBet(alice, 100, 1)}

	next, err := genesis.Apply(op, genesis.Timestamp+1)
	require.NoError(t, err)

	assert.Equal(t, uint64(900), next.BalanceOf(alice))
	assert.Equal(t, uint64(10_100), next.BalanceOf(TreasuryAccount))
	assert.Len(t, next.Bets, 1)
	assert.Equal(t, genesis.Sequence+1, next.Sequence)
	// The receiver is untouched.
	assert.Equal(t, uint64(1_000), genesis.BalanceOf(alice))
	assert.Empty(t, genesis.Bets)
}

func TestApplyPlaceBetRejections(t *testing.T) {
	genesis := testGenesis(t)

	_, err := genesis.Apply(OpPlaceBet{Player: alice, Bet: passBet(alice, 5_000, 1)}, genesis.Timestamp+1)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	stranger := types.HexToPeerID("0xdddddddddddddddddddddddddddddddddddddddd")
	_, err = genesis.Apply(OpPlaceBet{Player: stranger, Bet: passBet(stranger, 10, 1)}, genesis.Timestamp+1)
	assert.ErrorIs(t, err, ErrUnknownPlayer)

	_, err = genesis.Apply(OpPlaceBet{Player: alice, Bet: passBet(bob, 10, 1)}, genesis.Timestamp+1)
	assert.ErrorIs(t, err, ErrUnknownPlayer)

	_, err = genesis.Apply(OpPlaceBet{Player: alice, Bet: game.Bet{ID: [16]byte{9}, Player: alice, Kind: game.BetPass}}, genesis.Timestamp+1)
	assert.ErrorIs(t, err, game.ErrZeroAmount)
}

func TestApplyLineBetOnlyOnComeOut(t *testing.T) {
	genesis := testGenesis(t)
	pointState := genesis.Clone()
	pointState.Phase = game.PhasePoint
	pointState.Point = 6
	pointState.Seal()

	_, err := pointState.Apply(OpPlaceBet{Player: alice, Bet: passBet(alice, 10, 1)}, pointState.Timestamp+1)
	assert.ErrorIs(t, err, ErrWrongPhase)

	fieldBet := game.Bet{ID: [16]byte{2}, Player: alice, Kind: game.BetField, Amount: 10}
	_, err = pointState.Apply(OpPlaceBet{Player: alice, Bet: fieldBet}, pointState.Timestamp+1)
	assert.NoError(t, err)
}

func TestApplyProcessRollConservesTotal(t *testing.T) {
	genesis := testGenesis(t)
	withBet, err := genesis.Apply(OpPlaceBet{Player: alice, Bet: passBet(alice, 100, 1)}, genesis.Timestamp+1)
	require.NoError(t, err)

	roll := game.DiceRoll{Die1: 3, Die2: 4, Timestamp: withBet.Timestamp + 1}
	next, err := withBet.Apply(OpProcessRoll{Round: 1, Roll: roll}, withBet.Timestamp+1)
	require.NoError(t, err)

	// Natural: pass line pays 1:1 out of the treasury escrow.
	assert.Equal(t, uint64(1_100), next.BalanceOf(alice))
	assert.Equal(t, uint64(9_900), next.BalanceOf(TreasuryAccount))
	assert.Empty(t, next.Bets)
	assert.Equal(t, genesis.TotalBalance(), next.TotalBalance())
}

func TestApplyProcessRollEstablishesPoint(t *testing.T) {
	genesis := testGenesis(t)
	withBet, err := genesis.Apply(OpPlaceBet{Player: alice, Bet: passBet(alice, 100, 1)}, genesis.Timestamp+1)
	require.NoError(t, err)

	roll := game.DiceRoll{Die1: 4, Die2: 4}
	next, err := withBet.Apply(OpProcessRoll{Round: 1, Roll: roll}, withBet.Timestamp+1)
	require.NoError(t, err)

	assert.Equal(t, game.PhasePoint, next.Phase)
	assert.Equal(t, uint8(8), next.Point)
	assert.Len(t, next.Bets, 1)
}

func TestApplyResolvePhaseRefund(t *testing.T) {
	genesis := testGenesis(t)
	withBet, err := genesis.Apply(OpPlaceBet{Player: alice, Bet: passBet(alice, 100, 1)}, genesis.Timestamp+1)
	require.NoError(t, err)

	op := OpResolvePhase{
		NewPhase: game.PhaseEnded,
		Resolutions: []PhaseResolution{
			{Bet: BetRef{ID: [16]byte{1}}, Kind: game.ResolutionPush, Payout: 100},
		},
	}
	next, err := withBet.Apply(op, withBet.Timestamp+1)
	require.NoError(t, err)

	assert.Equal(t, game.PhaseEnded, next.Phase)
	assert.Equal(t, uint64(1_000), next.BalanceOf(alice))
	assert.Empty(t, next.Bets)

	_, err = withBet.Apply(OpResolvePhase{
		NewPhase:    game.PhaseEnded,
		Resolutions: []PhaseResolution{{Bet: BetRef{ID: [16]byte{99}}, Payout: 1}},
	}, withBet.Timestamp+1)
	assert.ErrorIs(t, err, ErrUnknownBet)
}

func TestApplyAfterGameEnded(t *testing.T) {
	genesis := testGenesis(t)
	ended, err := genesis.Apply(OpResolvePhase{NewPhase: game.PhaseEnded}, genesis.Timestamp+1)
	require.NoError(t, err)

	_, err = ended.Apply(OpPlaceBet{Player: alice, Bet: passBet(alice, 10, 1)}, ended.Timestamp+1)
	assert.ErrorIs(t, err, ErrGameEnded)

	// Administrative balance updates still run after the game ends.
	_, err = ended.Apply(OpUpdateBalances{
		Changes: []BalanceChange{{Peer: alice, Delta: -50}},
		Reason:  "penalty",
	}, ended.Timestamp+2)
	assert.NoError(t, err)
}

func TestApplyUpdateBalances(t *testing.T) {
	genesis := testGenesis(t)

	_, err := genesis.Apply(OpUpdateBalances{
		Changes: []BalanceChange{{Peer: alice, Delta: 500}},
		Reason:  "not a mint",
	}, genesis.Timestamp+1)
	assert.ErrorIs(t, err, ErrNonMintIncrease)

	minted, err := genesis.Apply(OpUpdateBalances{
		Changes: []BalanceChange{{Peer: alice, Delta: 500}},
		Reason:  "promo credit",
		Mint:    true,
	}, genesis.Timestamp+1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500), minted.BalanceOf(alice))

	// Penalties slash down to zero rather than failing.
	slashed, err := genesis.Apply(OpUpdateBalances{
		Changes: []BalanceChange{{Peer: alice, Delta: -2_000}},
		Reason:  "dispute penalty",
	}, genesis.Timestamp+1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), slashed.BalanceOf(alice))
}

func TestValidateAcceptsHonestTransition(t *testing.T) {
	genesis := testGenesis(t)
	op := OpPlaceBet{Player: alice, Bet: passBet(alice, 100, 1)}
	next, err := genesis.Apply(op, genesis.Timestamp+1)
	require.NoError(t, err)

	assert.NoError(t, Validate(genesis, next, op, next.Timestamp, testWindow))
}

func TestValidateRejectsSequenceGap(t *testing.T) {
	genesis := testGenesis(t)
	op := OpPlaceBet{Player: alice, Bet: passBet(alice, 100, 1)}
	next, err := genesis.Apply(op, genesis.Timestamp+1)
	require.NoError(t, err)

	skipped := next.Clone()
	skipped.Sequence = genesis.Sequence + 2
	skipped.Seal()
	assert.ErrorIs(t, Validate(genesis, skipped, op, next.Timestamp, testWindow), ErrSequenceGap)
}

func TestValidateRejectsTimestampOutsideWindow(t *testing.T) {
	genesis := testGenesis(t)
	op := OpPlaceBet{Player: alice, Bet: passBet(alice, 100, 1)}
	next, err := genesis.Apply(op, genesis.Timestamp+1)
	require.NoError(t, err)

	tooOld := next.Timestamp + testWindow + 1
	assert.ErrorIs(t, Validate(genesis, next, op, tooOld, testWindow), ErrTimeManipulation)

	tooNew := next.Timestamp - testWindow - 1
	assert.ErrorIs(t, Validate(genesis, next, op, tooNew, testWindow), ErrTimeManipulation)
}

func TestValidateRejectsTamperedBalances(t *testing.T) {
	genesis := testGenesis(t)
	op := OpPlaceBet{Player: alice, Bet: passBet(alice, 100, 1)}
	next, err := genesis.Apply(op, genesis.Timestamp+1)
	require.NoError(t, err)

	inflated := next.Clone()
	inflated.Balances[alice] += 1_000_000
	inflated.Seal()
	assert.ErrorIs(t, Validate(genesis, inflated, op, next.Timestamp, testWindow), ErrConservation)

	// Shuffling funds between players keeps the total but fails the
	// recompute check.
	shuffled := next.Clone()
	shuffled.Balances[alice] += 50
	shuffled.Balances[bob] -= 50
	shuffled.Seal()
	assert.ErrorIs(t, Validate(genesis, shuffled, op, next.Timestamp, testWindow), ErrStateMismatch)
}

func TestOperationEncodeDecode(t *testing.T) {
	ops := []Operation{
		OpPlaceBet{Player: alice, Bet: passBet(alice, 42, 7), Nonce: 9},
		OpCommitRandomness{Player: bob, Round: 3, Commitment: types.HexToHash("0x01")},
		OpRevealRandomness{Player: bob, Round: 3, Nonce: [32]byte{1, 2, 3}},
		OpProcessRoll{Round: 3, Roll: game.DiceRoll{Die1: 2, Die2: 5, Timestamp: 7}, EntropyProof: []types.Hash{types.HexToHash("0x02")}},
		OpResolvePhase{NewPhase: game.PhaseEnded, Resolutions: []PhaseResolution{{Bet: BetRef{ID: [16]byte{8}}, Kind: game.ResolutionPush, Payout: 5}}},
		OpUpdateBalances{Changes: []BalanceChange{{Peer: carol, Delta: -10}}, Reason: "penalty"},
	}
	for _, op := range ops {
		data, err := EncodeOperation(op)
		require.NoError(t, err)
		decoded, err := DecodeOperation(data)
		require.NoError(t, err)
		assert.Equal(t, op, decoded)
	}

	_, err := DecodeOperation(nil)
	assert.ErrorIs(t, err, ErrUnknownOperation)
	_, err = DecodeOperation([]byte{0xff, 0x01})
	assert.ErrorIs(t, err, ErrUnknownOperation)
}
