package dispute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meta-node-blockchain/dicemesh/pkg/events"
	"github.com/meta-node-blockchain/dicemesh/pkg/game"
	"github.com/meta-node-blockchain/dicemesh/types"
)

func newTestProfiler(mutate func(*ProfilerConfig)) (*Profiler, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_500, 0)}
	cfg := DefaultProfilerConfig()
	cfg.Clock = clock.Now
	if mutate != nil {
		mutate(&cfg)
	}
	return NewProfiler(cfg, nil), clock
}

func TestTimeSkewFlagged(t *testing.T) {
	p, clock := newTestProfiler(nil)
	peer := types.PeerID{1}

	p.ObserveOperation(peer, uint64(clock.Now().Unix()))
	assert.Zero(t, p.Score(peer), "an honest timestamp is not an anomaly")

	p.ObserveOperation(peer, uint64(clock.Now().Unix())-60)
	assert.Equal(t, 0.5, p.Score(peer))

	p.ObserveOperation(peer, uint64(clock.Now().Unix())+60)
	assert.Equal(t, 1.0, p.Score(peer), "future timestamps count too")
}

func TestOperationFloodFlagged(t *testing.T) {
	p, _ := newTestProfiler(func(cfg *ProfilerConfig) {
		cfg.FloodLimit = 5
		cfg.FloodWindow = 10 * time.Second
	})
	peer := types.PeerID{2}
	ts := uint64(time.Unix(1_700_000_500, 0).Unix())

	for i := 0; i < 5; i++ {
		p.ObserveOperation(peer, ts)
	}
	assert.Zero(t, p.Score(peer))

	p.ObserveOperation(peer, ts)
	assert.Equal(t, 0.5, p.Score(peer))

	// The window resets after a flag so one burst is charged once.
	p.ObserveOperation(peer, ts)
	assert.Equal(t, 0.5, p.Score(peer))
}

func TestFloodWindowExpires(t *testing.T) {
	p, clock := newTestProfiler(func(cfg *ProfilerConfig) {
		cfg.FloodLimit = 3
		cfg.FloodWindow = 10 * time.Second
		cfg.MaxTimeSkew = time.Hour
	})
	peer := types.PeerID{3}

	for i := 0; i < 3; i++ {
		p.ObserveOperation(peer, uint64(clock.Now().Unix()))
		clock.Advance(20 * time.Second)
	}
	assert.Zero(t, p.Score(peer), "spread-out operations never fill the window")
}

func TestOverBetFlagged(t *testing.T) {
	p, _ := newTestProfiler(nil)
	peer := types.PeerID{4}

	p.ObserveBet(peer, 500, 1000)
	assert.Zero(t, p.Score(peer), "half the balance is within the ratio")

	p.ObserveBet(peer, 600, 1000)
	assert.Equal(t, 0.3, p.Score(peer))

	p.ObserveBet(peer, 100, 0)
	assert.Equal(t, 0.3, p.Score(peer), "zero balance is the validator's problem, not a profile signal")
}

func TestLoadedDiceFlagged(t *testing.T) {
	p, _ := newTestProfiler(func(cfg *ProfilerConfig) {
		cfg.BiasMinSamples = 60
	})
	shooter := types.PeerID{5}

	for i := 0; i < 30; i++ {
		p.ObserveRoll(shooter, game.DiceRoll{Die1: 6, Die2: 6})
	}
	assert.Equal(t, 1.0, p.Score(shooter), "a stream of boxcars is statistically impossible")

	report := p.Report(shooter)
	assert.Nil(t, report, "one bias flag alone stays under the dispute threshold")
}

func TestFairDiceNotFlagged(t *testing.T) {
	p, _ := newTestProfiler(func(cfg *ProfilerConfig) {
		cfg.BiasMinSamples = 60
	})
	shooter := types.PeerID{6}

	for i := 0; i < 20; i++ {
		p.ObserveRoll(shooter, game.DiceRoll{Die1: 1, Die2: 2})
		p.ObserveRoll(shooter, game.DiceRoll{Die1: 3, Die2: 4})
		p.ObserveRoll(shooter, game.DiceRoll{Die1: 5, Die2: 6})
	}
	assert.Zero(t, p.Score(shooter))

	p.ObserveRoll(shooter, game.DiceRoll{Die1: 9, Die2: 9})
	assert.Zero(t, p.Score(shooter), "malformed rolls are ignored, not sampled")
}

func TestExternalAnomaliesAccumulate(t *testing.T) {
	p, _ := newTestProfiler(nil)
	peer := types.PeerID{7}

	p.Observe(peer, AnomalyEquivocatingVote, 1.0, "two choices at sequence 3")
	p.Observe(peer, AnomalyBadReveal, 1.0, "reveal does not match commitment")
	assert.False(t, p.Suspicious(peer))
	assert.Nil(t, p.Report(peer))

	p.Observe(peer, AnomalyConflictingCommit, 1.0, "second commitment for round 2")
	assert.True(t, p.Suspicious(peer))

	report := p.Report(peer)
	require.NotNil(t, report)
	assert.Equal(t, peer, report.Suspect)
	assert.Equal(t, 3.0, report.Score)
	require.Len(t, report.Anomalies, 3)
	assert.Equal(t, AnomalyEquivocatingVote, report.Anomalies[0].Kind)

	assert.Equal(t, []types.PeerID{peer}, p.Suspects())
}

func TestOwnDetectionsNotDoubleCounted(t *testing.T) {
	p, _ := newTestProfiler(nil)
	peer := types.PeerID{8}

	// Kinds the profiler emits itself come back through the bus; replaying
	// them into Observe must not inflate the score.
	p.Observe(peer, AnomalyTimeSkew, 0.5, "echo")
	p.Observe(peer, AnomalyOperationFlood, 0.5, "echo")
	p.Observe(peer, AnomalyOverBet, 0.3, "echo")
	p.Observe(peer, AnomalyStatisticalBias, 1.0, "echo")
	assert.Zero(t, p.Score(peer))
}

func TestProfilerPublishesItsDetections(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	clock := &fakeClock{now: time.Unix(1_700_000_500, 0)}
	cfg := DefaultProfilerConfig()
	cfg.Clock = clock.Now
	p := NewProfiler(cfg, bus)

	peer := types.PeerID{9}
	p.ObserveBet(peer, 900, 1000)

	ev := <-ch
	anomaly, ok := ev.(events.AnomalyDetected)
	require.True(t, ok)
	assert.Equal(t, peer, anomaly.Suspect)
	assert.Equal(t, AnomalyOverBet, anomaly.Anomaly)
	assert.Equal(t, 0.3, anomaly.Severity)
}

func TestForgiveClearsLedger(t *testing.T) {
	p, _ := newTestProfiler(nil)
	peer := types.PeerID{10}

	p.Observe(peer, AnomalyEquivocatingVote, 3.0, "x")
	require.True(t, p.Suspicious(peer))

	p.Forgive(peer)
	assert.False(t, p.Suspicious(peer))
	assert.Zero(t, p.Score(peer))
}
