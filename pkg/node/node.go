// Package node assembles the consensus core into one running peer:
// identity, engine, randomness, disputes, profiling, storage and
// transport, glued together by the event bus.
package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meta-node-blockchain/dicemesh/pkg/consensus"
	"github.com/meta-node-blockchain/dicemesh/pkg/dispute"
	"github.com/meta-node-blockchain/dicemesh/pkg/events"
	"github.com/meta-node-blockchain/dicemesh/pkg/game"
	"github.com/meta-node-blockchain/dicemesh/pkg/identity"
	"github.com/meta-node-blockchain/dicemesh/pkg/logger"
	"github.com/meta-node-blockchain/dicemesh/pkg/randomness"
	"github.com/meta-node-blockchain/dicemesh/pkg/state"
	"github.com/meta-node-blockchain/dicemesh/pkg/store"
	"github.com/meta-node-blockchain/dicemesh/pkg/transport"
	"github.com/meta-node-blockchain/dicemesh/types"
)

var ErrAlreadyStarted = errors.New("node: already started")

// Options bundles the per-component configuration of one node.
type Options struct {
	Game         types.GameID
	Participants []types.PeerID
	Consensus    consensus.Config
	Randomness   randomness.Config
	Dispute      dispute.Config
	Profiler     dispute.ProfilerConfig
	// TickInterval paces expiry sweeps and dispute resolution attempts.
	TickInterval time.Duration
}

// DefaultOptions returns protocol defaults; Game and Participants must be
// filled in by the caller.
func DefaultOptions() Options {
	return Options{
		Consensus:    consensus.DefaultConfig(),
		Randomness:   randomness.DefaultConfig(),
		Dispute:      dispute.DefaultConfig(),
		Profiler:     dispute.DefaultProfilerConfig(),
		TickInterval: 500 * time.Millisecond,
	}
}

// Node is one peer of the mesh. It owns its event bus and the endpoint it
// was given, and runs three loops once started: transport receive, event
// handling and periodic maintenance.
type Node struct {
	game     types.GameID
	keyPair  *identity.KeyPair
	self     types.PeerID
	engine   *consensus.Engine
	rng      *randomness.Manager
	court    *dispute.Manager
	profiler *dispute.Profiler
	bus      *events.Bus
	archive  *store.ConsensusStore
	endpoint transport.Transport
	router   *transport.Router
	tick     time.Duration
	now      func() uint64
	opNonce  atomic.Uint64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds a node. If the archive holds a recoverable state for this
// game, it supersedes the supplied genesis so a restarted node rejoins
// where it left off.
func New(opts Options, keyPair *identity.KeyPair, genesis *state.GameConsensusState, endpoint transport.Transport, archive *store.ConsensusStore) (*Node, error) {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 500 * time.Millisecond
	}
	if archive != nil {
		if recovered, err := archive.Recover(); err == nil && recovered.GameID == opts.Game {
			logger.Info("node %s: recovered state at sequence %d", keyPair.Address().Hex(), recovered.Sequence)
			genesis = recovered
		}
	}

	bus := events.NewBus()
	engine, err := consensus.NewEngine(opts.Consensus, keyPair, genesis, opts.Participants, bus, archive)
	if err != nil {
		bus.Close()
		return nil, err
	}
	rng, err := randomness.NewManager(opts.Randomness, opts.Game, keyPair.Address(), opts.Participants, nil, bus)
	if err != nil {
		bus.Close()
		return nil, err
	}

	now := opts.Consensus.Now
	if now == nil {
		now = func() uint64 { return uint64(time.Now().Unix()) }
	}
	n := &Node{
		game:     opts.Game,
		keyPair:  keyPair,
		self:     keyPair.Address(),
		engine:   engine,
		rng:      rng,
		court:    dispute.NewManager(opts.Dispute, keyPair, opts.Participants, bus, archive),
		profiler: dispute.NewProfiler(opts.Profiler, bus),
		bus:      bus,
		archive:  archive,
		endpoint: endpoint,
		router:   transport.NewRouter(),
		tick:     opts.TickInterval,
		now:      now,
	}
	return n, nil
}

func (n *Node) Self() types.PeerID { return n.self }

func (n *Node) Game() types.GameID { return n.game }

// State returns the latest finalized state.
func (n *Node) State() *state.GameConsensusState { return n.engine.CurrentState() }

func (n *Node) Engine() *consensus.Engine { return n.engine }

func (n *Node) Randomness() *randomness.Manager { return n.rng }

func (n *Node) Disputes() *dispute.Manager { return n.court }

func (n *Node) Profiler() *dispute.Profiler { return n.profiler }

func (n *Node) Bus() *events.Bus { return n.bus }

// Start launches the node's loops. It returns immediately; the loops run
// until Stop is called or ctx is cancelled.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	n.started = true
	n.cancel = cancel
	n.group = group
	n.mu.Unlock()

	n.registerRoutes(groupCtx)
	busEvents, cancelSub := n.bus.Subscribe(64)

	group.Go(func() error { return n.receiveLoop(groupCtx) })
	group.Go(func() error { return n.eventLoop(groupCtx, busEvents, cancelSub) })
	group.Go(func() error { return n.maintenanceLoop(groupCtx) })

	logger.Info("node %s started (game %s, %d peers)", n.self.Hex(), n.game, len(n.engine.Participants()))
	return nil
}

// Stop cancels the loops, waits for them and closes the endpoint.
func (n *Node) Stop() {
	n.mu.Lock()
	cancel, group := n.cancel, n.group
	n.started = false
	n.cancel = nil
	n.group = nil
	n.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	_ = group.Wait()
	_ = n.endpoint.Close()
	n.bus.Close()
	logger.Info("node %s stopped", n.self.Hex())
}

// PlaceBet proposes a bet by this peer and broadcasts the proposal.
func (n *Node) PlaceBet(ctx context.Context, kind game.BetKind, amount uint64) (*consensus.GameProposal, error) {
	bet := game.Bet{
		ID:        uuid.New(),
		Player:    n.self,
		Game:      n.game,
		Kind:      kind,
		Amount:    amount,
		Timestamp: n.now(),
	}
	op := state.OpPlaceBet{Player: n.self, Bet: bet, Nonce: n.opNonce.Add(1)}
	return n.Propose(ctx, op)
}

// Propose runs an operation through the engine and broadcasts the signed
// proposal. The proposal carries the proposer's implicit approval, so no
// separate vote broadcast is needed.
func (n *Node) Propose(ctx context.Context, op state.Operation) (*consensus.GameProposal, error) {
	p, _, err := n.engine.ProposeOperation(op)
	if err != nil {
		return nil, err
	}
	data, err := consensus.EncodeProposal(p)
	if err != nil {
		return nil, err
	}
	if err := n.broadcast(ctx, transport.KindProposal, data); err != nil {
		return nil, err
	}
	return p, nil
}

// CommitEntropy commits this peer to a fresh nonce for a randomness round
// and broadcasts the commitment.
func (n *Node) CommitEntropy(ctx context.Context, round types.RoundID) (*randomness.RandomnessCommit, error) {
	c, err := n.rng.Commit(round)
	if err != nil {
		return nil, err
	}
	data, err := randomness.EncodeCommit(c)
	if err != nil {
		return nil, err
	}
	if err := n.broadcast(ctx, transport.KindCommit, data); err != nil {
		return nil, err
	}
	return c, nil
}

// RevealEntropy opens this peer's commitment and broadcasts the reveal.
func (n *Node) RevealEntropy(ctx context.Context, round types.RoundID) (*randomness.RandomnessReveal, error) {
	rv, err := n.rng.Reveal(round)
	if err != nil {
		return nil, err
	}
	data, err := randomness.EncodeReveal(rv)
	if err != nil {
		return nil, err
	}
	if err := n.broadcast(ctx, transport.KindReveal, data); err != nil {
		return nil, err
	}
	return rv, nil
}

// RollDice derives the round's roll from the revealed nonces and proposes
// it to the mesh together with its entropy proof.
func (n *Node) RollDice(ctx context.Context, round types.RoundID) (game.DiceRoll, *consensus.GameProposal, error) {
	roll, proof, err := n.rng.GenerateRoll(round)
	if err != nil {
		return game.DiceRoll{}, nil, err
	}
	p, err := n.Propose(ctx, state.OpProcessRoll{Round: round, Roll: roll, EntropyProof: proof})
	if err != nil {
		return roll, nil, err
	}
	return roll, p, nil
}

// RaiseDispute files an accusation against a peer over the current state
// and broadcasts it.
func (n *Node) RaiseDispute(ctx context.Context, accused types.PeerID, claim dispute.Claim, evidence []dispute.Evidence) (*dispute.Dispute, error) {
	head := n.engine.CurrentState()
	d, err := n.court.Raise(accused, head.StateHash, claim, evidence)
	if err != nil {
		return nil, err
	}
	n.engine.Metrics().DisputesRaised.Add(1)
	data, err := dispute.EncodeDispute(d)
	if err != nil {
		return nil, err
	}
	if err := n.broadcast(ctx, transport.KindDispute, data); err != nil {
		return nil, err
	}
	return d, nil
}

// VoteOnDispute casts and broadcasts this peer's dispute vote.
func (n *Node) VoteOnDispute(ctx context.Context, id types.DisputeID, choice dispute.VoteChoice) (*dispute.DisputeVote, error) {
	v, err := n.court.CastVote(id, choice)
	if err != nil {
		return nil, err
	}
	data, err := dispute.EncodeDisputeVote(v)
	if err != nil {
		return nil, err
	}
	if err := n.broadcast(ctx, transport.KindDisputeVote, data); err != nil {
		return nil, err
	}
	return v, nil
}

func (n *Node) broadcast(ctx context.Context, kind transport.Kind, payload []byte) error {
	return n.endpoint.Broadcast(ctx, transport.Message{Kind: kind, Game: n.game, Payload: payload})
}

func (n *Node) registerRoutes(ctx context.Context) {
	n.router.Handle(transport.KindProposal, func(in transport.Inbound) error {
		p, err := consensus.DecodeProposal(in.Payload)
		if err != nil {
			return err
		}
		n.profiler.ObserveOperation(p.Proposer, p.Timestamp)
		switch op := p.Operation.(type) {
		case state.OpPlaceBet:
			n.profiler.ObserveBet(op.Player, op.Bet.Amount, n.engine.CurrentState().Balances[op.Player])
		case state.OpProcessRoll:
			n.profiler.ObserveRoll(p.Proposer, op.Roll)
		}
		vote, err := n.engine.ReceiveProposal(p)
		if vote != nil {
			data, encErr := consensus.EncodeVote(vote)
			if encErr != nil {
				return encErr
			}
			if bErr := n.broadcast(ctx, transport.KindVote, data); bErr != nil {
				logger.Debug("node %s: broadcast vote: %v", n.self.Hex(), bErr)
			}
		}
		return err
	})
	n.router.Handle(transport.KindVote, func(in transport.Inbound) error {
		v, err := consensus.DecodeVote(in.Payload)
		if err != nil {
			return err
		}
		return n.engine.ReceiveVote(v)
	})
	n.router.Handle(transport.KindCommit, func(in transport.Inbound) error {
		c, err := randomness.DecodeCommit(in.Payload)
		if err != nil {
			return err
		}
		return n.rng.ReceiveCommit(c)
	})
	n.router.Handle(transport.KindReveal, func(in transport.Inbound) error {
		rv, err := randomness.DecodeReveal(in.Payload)
		if err != nil {
			return err
		}
		return n.rng.ReceiveReveal(rv)
	})
	n.router.Handle(transport.KindDispute, func(in transport.Inbound) error {
		d, err := dispute.DecodeDispute(in.Payload)
		if err != nil {
			return err
		}
		return n.court.ReceiveDispute(d)
	})
	n.router.Handle(transport.KindDisputeVote, func(in transport.Inbound) error {
		v, err := dispute.DecodeDisputeVote(in.Payload)
		if err != nil {
			return err
		}
		return n.court.ReceiveVote(v)
	})
	n.router.Handle(transport.KindStateSync, func(in transport.Inbound) error {
		sm, err := types.DecodeSignedMessage(in.Payload)
		if err != nil {
			return err
		}
		// The signer, not the transport sender, counts as the fork
		// supporter: transport identities are self-declared.
		if !sm.Verify() {
			return fmt.Errorf("node: state sync from %s: bad signature", in.From.Hex())
		}
		remote, err := state.Unmarshal(sm.Payload)
		if err != nil {
			return err
		}
		return n.engine.HandleFork(remote, sm.Signer)
	})
}

func (n *Node) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-n.endpoint.Events():
			if !ok {
				return nil
			}
			if err := n.router.Dispatch(in); err != nil {
				logger.Debug("node %s: %s from %s: %v", n.self.Hex(), in.Kind, in.From.Hex(), err)
			}
		}
	}
}

func (n *Node) eventLoop(ctx context.Context, busEvents <-chan events.Event, cancelSub func()) error {
	defer cancelSub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-busEvents:
			if !ok {
				return nil
			}
			n.handleEvent(ctx, ev)
		}
	}
}

func (n *Node) handleEvent(ctx context.Context, ev events.Event) {
	switch e := ev.(type) {
	case events.StateFinalized:
		n.shareHead(ctx)
	case events.AnomalyDetected:
		n.profiler.Observe(e.Suspect, e.Anomaly, e.Severity, e.Details)
		if n.profiler.Suspicious(e.Suspect) {
			n.accuse(ctx, e.Suspect)
		}
	case events.DisputeResolved:
		n.applyVerdict(ctx, e)
	}
}

// shareHead broadcasts the finalized head wrapped in a signed envelope.
// Peers on the same head ignore it; peers on another branch count the
// recovered signer as fork support.
func (n *Node) shareHead(ctx context.Context) {
	head := n.engine.CurrentState()
	payload, err := head.Marshal()
	if err != nil {
		logger.Debug("node %s: marshal head: %v", n.self.Hex(), err)
		return
	}
	sm := &types.SignedMessage{Payload: payload, Signer: n.self}
	if sm.Sig, err = n.keyPair.Sign(sm.Digest()); err != nil {
		logger.Debug("node %s: sign head: %v", n.self.Hex(), err)
		return
	}
	data, err := sm.Encode()
	if err != nil {
		logger.Debug("node %s: encode head: %v", n.self.Hex(), err)
		return
	}
	if err := n.broadcast(ctx, transport.KindStateSync, data); err != nil {
		logger.Debug("node %s: share head: %v", n.self.Hex(), err)
	}
}

// accuse turns an over-threshold behavior profile into a formal dispute
// and resets the profile, so the same evidence is litigated once.
func (n *Node) accuse(ctx context.Context, suspect types.PeerID) {
	report := n.profiler.Report(suspect)
	if report == nil {
		return
	}
	kinds := make(map[string]bool, len(report.Anomalies))
	for _, a := range report.Anomalies {
		kinds[a.Kind] = true
	}
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)

	head := n.engine.CurrentState()
	claim := dispute.ClaimConsensusViolation{
		Description: fmt.Sprintf("behavioral profile over threshold: %s", strings.Join(names, ", ")),
		States:      []types.Hash{head.StateHash},
	}
	var evidence []dispute.Evidence
	if data, err := head.Marshal(); err == nil {
		evidence = append(evidence, dispute.EvidenceStateProof{State: head.StateHash, Proof: data})
	}

	if _, err := n.RaiseDispute(ctx, suspect, claim, evidence); err != nil {
		logger.Warn("node %s: accuse %s: %v", n.self.Hex(), suspect.Hex(), err)
		return
	}
	n.profiler.Forgive(suspect)
	logger.Info("node %s: raised dispute against %s (score %.1f)", n.self.Hex(), suspect.Hex(), report.Score)
}

// applyVerdict feeds a dispute penalty back into consensus. Exactly one
// peer proposes it, picked deterministically, so rival penalty proposals
// cannot double-charge the loser.
func (n *Node) applyVerdict(ctx context.Context, e events.DisputeResolved) {
	if e.Penalized == (types.PeerID{}) || !n.isPenaltyProposer(e.Penalized) {
		return
	}
	res, err := n.court.Resolve(e.ID)
	if err != nil || res.Penalty == nil {
		return
	}
	if _, err := n.Propose(ctx, res.Penalty); err != nil {
		logger.Warn("node %s: propose penalty for %s: %v", n.self.Hex(), e.ID.Hex(), err)
	}
}

// isPenaltyProposer elects the first participant in sorted order that is
// not the penalized peer, who could simply decline to charge itself.
func (n *Node) isPenaltyProposer(penalized types.PeerID) bool {
	for _, p := range n.engine.Participants() {
		if p == penalized {
			continue
		}
		return p == n.self
	}
	return false
}

func (n *Node) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n.engine.ExpireStale(now)
			n.rng.ExpireRounds(now)
			// Concludes any dispute that has reached a verdict; the rest
			// stay open until their next vote or their deadline.
			for _, id := range n.court.Open() {
				_, _ = n.court.Resolve(id)
			}
		}
	}
}
