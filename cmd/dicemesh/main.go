// Command dicemesh runs an in-process mesh of consensus peers playing
// craps: every bet, dice roll and payout is agreed by quorum, with the
// dice drawn from a commit-reveal round among all peers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/meta-node-blockchain/dicemesh/pkg/config"
	"github.com/meta-node-blockchain/dicemesh/pkg/events"
	"github.com/meta-node-blockchain/dicemesh/pkg/game"
	"github.com/meta-node-blockchain/dicemesh/pkg/identity"
	"github.com/meta-node-blockchain/dicemesh/pkg/logger"
	"github.com/meta-node-blockchain/dicemesh/pkg/node"
	"github.com/meta-node-blockchain/dicemesh/pkg/randomness"
	"github.com/meta-node-blockchain/dicemesh/pkg/state"
	"github.com/meta-node-blockchain/dicemesh/pkg/store"
	"github.com/meta-node-blockchain/dicemesh/pkg/transport"
	"github.com/meta-node-blockchain/dicemesh/types"
)

const (
	initialBalance   = 10_000
	treasuryFloat    = 1_000_000
	maxRollsPerRound = 32
)

func main() {
	var (
		configPath = flag.String("config", "", "JSON configuration file; defaults apply when empty")
		numNodes   = flag.Int("nodes", 4, "number of in-process peers")
		numRounds  = flag.Int("rounds", 3, "craps rounds to play")
		betAmount  = flag.Uint64("bet", 500, "pass-line stake per round")
		meshKind   = flag.String("transport", "local", "mesh transport: local (in-process hub) or tcp (loopback sockets)")
		backend    = flag.String("backend", "", "persistence backend: memory, badger or leveldb")
		dataDir    = flag.String("data", "", "data directory for persistent backends")
	)
	flag.Parse()

	cfg := config.DefaultNodeConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			logger.Error("dicemesh: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *backend != "" {
		cfg.Store.Backend = *backend
	}
	if *dataDir != "" {
		cfg.Store.Path = *dataDir
	}
	logger.SetFlag(cfg.LogFlag)
	if cfg.LogFile != "" {
		mirror, err := logger.NewFileMirror(cfg.LogFile)
		if err != nil {
			logger.Error("dicemesh: open log file: %v", err)
			os.Exit(1)
		}
		defer mirror.Close()
		logger.SetMirror(mirror)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *numNodes, *numRounds, *betAmount, *meshKind); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("dicemesh: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.NodeConfig, numNodes, numRounds int, betAmount uint64, meshKind string) error {
	if numNodes < 3 {
		return fmt.Errorf("a mesh needs at least 3 peers, got %d", numNodes)
	}

	keys := make([]*identity.KeyPair, numNodes)
	peers := make([]types.PeerID, numNodes)
	for i := range keys {
		keys[i] = identity.GenerateKeyPair()
		peers[i] = keys[i].Address()
	}

	opts, err := node.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	if opts.Game == (types.GameID{}) {
		opts.Game = types.GameID(uuid.New())
	}
	opts.Participants = peers

	genesis := state.NewGenesisState(opts.Game, peers, initialBalance, treasuryFloat, uint64(time.Now().Unix()))
	endpoints, err := buildMesh(meshKind, peers)
	if err != nil {
		return err
	}

	nodes := make([]*node.Node, numNodes)
	for i := range nodes {
		archive, err := openArchive(cfg.Store, i)
		if err != nil {
			return err
		}
		nodes[i], err = node.New(opts, keys[i], genesis, endpoints[i], archive)
		if err != nil {
			return err
		}
	}

	logger.Info("=== dicemesh: %d peers, game %s ===", numNodes, opts.Game)
	for i, p := range peers {
		logger.Info("  peer %d: %s", i, p.Hex())
	}

	for _, nd := range nodes {
		if err := nd.Start(ctx); err != nil {
			return err
		}
	}

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		watchTable(ctx, nodes[0])
	}()

	playErr := playRounds(ctx, nodes, numRounds, betAmount)

	// Stopping the nodes closes their buses, which lets the watcher drain
	// the last events and exit.
	for _, nd := range nodes {
		nd.Stop()
	}
	<-watchDone

	if playErr != nil {
		return playErr
	}
	logger.Info("=== table closed ===")
	printTable(nodes, peers)
	return nil
}

// buildMesh connects the peers either through the in-process hub or
// through a full mesh of loopback TCP transports.
func buildMesh(kind string, peers []types.PeerID) ([]transport.Transport, error) {
	endpoints := make([]transport.Transport, len(peers))
	switch kind {
	case "local":
		hub := transport.NewHub(0, 0)
		for i, p := range peers {
			endpoints[i] = hub.Join(p)
		}
	case "tcp":
		tcps := make([]*transport.TCPTransport, len(peers))
		for i, p := range peers {
			t, err := transport.ListenTCP(p, "127.0.0.1:0")
			if err != nil {
				return nil, fmt.Errorf("listen for peer %d: %w", i, err)
			}
			tcps[i] = t
			endpoints[i] = t
		}
		for i, t := range tcps {
			for j, other := range tcps {
				if i != j {
					t.AddPeer(peers[j], other.Addr())
				}
			}
		}
	default:
		return nil, fmt.Errorf("unknown transport %q (want local or tcp)", kind)
	}
	return endpoints, nil
}

func openArchive(cfg config.StoreConfig, index int) (*store.ConsensusStore, error) {
	path := cfg.Path
	if path != "" {
		path = filepath.Join(path, fmt.Sprintf("peer%d", index))
	}
	db, err := store.Open(cfg.Backend, path)
	if err != nil {
		return nil, fmt.Errorf("open %s archive: %w", cfg.Backend, err)
	}
	return store.NewConsensusStore(db), nil
}

// watchTable mirrors one peer's bus to the log so a run can be followed
// from the outside. It returns when the bus closes or ctx is cancelled.
func watchTable(ctx context.Context, nd *node.Node) {
	ch, cancel := nd.Bus().Subscribe(128)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case events.StateFinalized:
				logger.Info("[table] finalized seq %d (%s)", e.State.Sequence, e.State.Phase)
			case events.ProposalRejected:
				logger.Warn("[table] proposal %s rejected: %s", e.ID.Hex(), e.Reason)
			case events.ForkDetected:
				logger.Warn("[table] fork: ours %s theirs %s", e.Ours.Hex(), e.Theirs.Hex())
			case events.AnomalyDetected:
				logger.Warn("[table] anomaly %s by %s (severity %.1f)", e.Anomaly, e.Suspect.Hex(), e.Severity)
			case events.DisputeResolved:
				logger.Warn("[table] dispute %s: %s", e.ID.Hex(), e.Verdict)
			}
		}
	}
}

// playRounds drives the scenario: each round one shooter places a pass
// bet, the mesh runs commit-reveal rounds for every roll, and rolling
// continues until the come-out phase returns.
func playRounds(ctx context.Context, nodes []*node.Node, numRounds int, betAmount uint64) error {
	seq := nodes[0].State().Sequence
	roundID := types.RoundID(0)

	for round := 1; round <= numRounds; round++ {
		shooter := nodes[(round-1)%len(nodes)]
		logger.Info("--- round %d: shooter %s bets %d on the pass line ---",
			round, shooter.Self().Hex(), betAmount)

		if _, err := shooter.PlaceBet(ctx, game.BetPass, betAmount); err != nil {
			return fmt.Errorf("round %d: place bet: %w", round, err)
		}
		seq++
		if err := waitConverged(ctx, nodes, seq); err != nil {
			return fmt.Errorf("round %d: bet: %w", round, err)
		}

		for rolls := 0; ; rolls++ {
			if rolls >= maxRollsPerRound {
				return fmt.Errorf("round %d: no resolution after %d rolls", round, rolls)
			}
			roundID++
			roll, err := rollOnce(ctx, nodes, shooter, roundID)
			if err != nil {
				return fmt.Errorf("round %d: roll %d: %w", round, roundID, err)
			}
			seq++
			if err := waitConverged(ctx, nodes, seq); err != nil {
				return fmt.Errorf("round %d: roll %d: %w", round, roundID, err)
			}

			st := shooter.State()
			logger.Info("[round %d] rolled %s, table now %s (point %d)", round, roll, st.Phase, st.Point)
			if st.Phase != game.PhasePoint {
				break
			}
		}
	}
	return nil
}

// rollOnce runs one commit-reveal round across every peer and has the
// shooter derive and propose the resulting dice.
func rollOnce(ctx context.Context, nodes []*node.Node, shooter *node.Node, roundID types.RoundID) (game.DiceRoll, error) {
	for _, nd := range nodes {
		if _, err := nd.CommitEntropy(ctx, roundID); err != nil {
			return game.DiceRoll{}, fmt.Errorf("commit: %w", err)
		}
	}
	if err := waitRevealOpen(ctx, nodes, roundID); err != nil {
		return game.DiceRoll{}, err
	}
	for _, nd := range nodes {
		if _, err := nd.RevealEntropy(ctx, roundID); err != nil {
			return game.DiceRoll{}, fmt.Errorf("reveal: %w", err)
		}
	}
	if err := waitReveals(ctx, shooter, roundID, len(nodes)); err != nil {
		return game.DiceRoll{}, err
	}
	roll, _, err := shooter.RollDice(ctx, roundID)
	if err != nil {
		return game.DiceRoll{}, fmt.Errorf("roll: %w", err)
	}
	return roll, nil
}

func waitConverged(ctx context.Context, nodes []*node.Node, seq uint64) error {
	return poll(ctx, fmt.Sprintf("sequence %d", seq), func() bool {
		var head types.Hash
		for _, nd := range nodes {
			st := nd.State()
			if st.Sequence != seq {
				return false
			}
			if head == (types.Hash{}) {
				head = st.StateHash
			} else if st.StateHash != head {
				return false
			}
		}
		return true
	})
}

func waitRevealOpen(ctx context.Context, nodes []*node.Node, roundID types.RoundID) error {
	return poll(ctx, fmt.Sprintf("reveal phase of round %d", roundID), func() bool {
		for _, nd := range nodes {
			phase, err := nd.Randomness().RoundPhase(roundID)
			if err != nil || phase == randomness.PhaseCommit {
				return false
			}
		}
		return true
	})
}

func waitReveals(ctx context.Context, shooter *node.Node, roundID types.RoundID, want int) error {
	return poll(ctx, fmt.Sprintf("%d reveals in round %d", want, roundID), func() bool {
		reveals, err := shooter.Randomness().Reveals(roundID)
		return err == nil && len(reveals) >= want
	})
}

func poll(ctx context.Context, what string, cond func() bool) error {
	deadline := time.NewTimer(15 * time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for %s", what)
		case <-ticker.C:
			if cond() {
				return nil
			}
		}
	}
}

func printTable(nodes []*node.Node, peers []types.PeerID) {
	st := nodes[0].State()
	logger.Info("=== final table at seq %d (%s) ===", st.Sequence, st.Phase)

	sorted := append([]types.PeerID(nil), peers...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Hex() < sorted[j].Hex()
	})
	for _, p := range sorted {
		delta := int64(st.Balances[p]) - initialBalance
		logger.Info("  %s: %d (%+d)", p.Hex(), st.Balances[p], delta)
	}
	logger.Info("  treasury: %d", st.Balances[state.TreasuryAccount])

	m := nodes[0].Engine().Metrics().Snapshot()
	logger.Info("  proposals: %d submitted, %d accepted, %d rejected, %d expired",
		m.ProposalsSubmitted, m.ProposalsAccepted, m.ProposalsRejected, m.ProposalsExpired)
	logger.Info("  votes: %d received, %d dropped; rounds: %d completed, %d failed",
		m.VotesReceived, m.VotesDropped, m.RoundsCompleted, m.RoundsFailed)
}
