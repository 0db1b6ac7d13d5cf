package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/near/borsh-go"

	"github.com/meta-node-blockchain/dicemesh/pkg/logger"
	"github.com/meta-node-blockchain/dicemesh/pkg/state"
	"github.com/meta-node-blockchain/dicemesh/types"
)

// Key layout. Sequence and round numbers are big-endian so lexicographic
// iteration order equals numeric order.
var (
	prefixState   = []byte("s/")
	prefixVote    = []byte("v/")
	prefixDispute = []byte("d/")
	keyLatest     = []byte("latest")
	keyCheckpoint = []byte("cp/latest")
)

// ConsensusStore layers the consensus schema over a Storage backend.
type ConsensusStore struct {
	db Storage
}

func NewConsensusStore(db Storage) *ConsensusStore {
	return &ConsensusStore{db: db}
}

func stateKey(seq uint64) []byte {
	key := make([]byte, len(prefixState)+8)
	copy(key, prefixState)
	binary.BigEndian.PutUint64(key[len(prefixState):], seq)
	return key
}

func voteKey(round uint64, peer types.PeerID) []byte {
	key := make([]byte, len(prefixVote)+8+len(peer))
	copy(key, prefixVote)
	binary.BigEndian.PutUint64(key[len(prefixVote):], round)
	copy(key[len(prefixVote)+8:], peer[:])
	return key
}

func disputeKey(id types.DisputeID) []byte {
	return append(append([]byte{}, prefixDispute...), id[:]...)
}

// SaveState persists a finalized state and advances the latest pointer.
func (cs *ConsensusStore) SaveState(st *state.GameConsensusState) error {
	data, err := st.Marshal()
	if err != nil {
		return err
	}
	var latest [8]byte
	binary.BigEndian.PutUint64(latest[:], st.Sequence)
	return cs.db.BatchPut([][2][]byte{
		{stateKey(st.Sequence), data},
		{keyLatest, latest[:]},
	})
}

// LoadState reads the state finalized at seq.
func (cs *ConsensusStore) LoadState(seq uint64) (*state.GameConsensusState, error) {
	data, err := cs.db.Get(stateKey(seq))
	if err != nil {
		return nil, err
	}
	return state.Unmarshal(data)
}

// LatestState reads the most recently finalized state.
func (cs *ConsensusStore) LatestState() (*state.GameConsensusState, error) {
	raw, err := cs.db.Get(keyLatest)
	if err != nil {
		return nil, err
	}
	if len(raw) != 8 {
		return nil, fmt.Errorf("store: corrupt latest pointer (%d bytes)", len(raw))
	}
	return cs.LoadState(binary.BigEndian.Uint64(raw))
}

// SaveVote archives a serialized vote for audit and dispute evidence.
func (cs *ConsensusStore) SaveVote(round uint64, peer types.PeerID, data []byte) error {
	return cs.db.Put(voteKey(round, peer), data)
}

// VotesFor returns the archived votes of one round keyed by voter.
func (cs *ConsensusStore) VotesFor(round uint64) (map[types.PeerID][]byte, error) {
	votes := make(map[types.PeerID][]byte)
	prefix := voteKey(round, types.PeerID{})[:len(prefixVote)+8]
	err := cs.db.Iter(prefix, func(key, value []byte) bool {
		if len(key) != len(prefixVote)+8+20 {
			return true
		}
		var peer types.PeerID
		copy(peer[:], key[len(prefixVote)+8:])
		votes[peer] = value
		return true
	})
	if err != nil {
		return nil, err
	}
	return votes, nil
}

type checkpointRecord struct {
	Sequence  uint64
	CreatedAt uint64
	StateData []byte
}

// CreateCheckpoint stores a full state as the recovery anchor and prunes
// per-sequence records below it.
func (cs *ConsensusStore) CreateCheckpoint(st *state.GameConsensusState, createdAt uint64) error {
	data, err := st.Marshal()
	if err != nil {
		return err
	}
	rec, err := borsh.Serialize(checkpointRecord{
		Sequence:  st.Sequence,
		CreatedAt: createdAt,
		StateData: data,
	})
	if err != nil {
		return fmt.Errorf("store: encode checkpoint: %w", err)
	}
	if err := cs.db.Put(keyCheckpoint, rec); err != nil {
		return err
	}
	cs.pruneStatesBelow(st.Sequence)
	return nil
}

// LatestCheckpoint loads the recovery anchor.
func (cs *ConsensusStore) LatestCheckpoint() (*state.GameConsensusState, error) {
	raw, err := cs.db.Get(keyCheckpoint)
	if err != nil {
		return nil, err
	}
	var rec checkpointRecord
	if err := borsh.Deserialize(&rec, raw); err != nil {
		return nil, fmt.Errorf("store: decode checkpoint: %w", err)
	}
	return state.Unmarshal(rec.StateData)
}

// Recover returns the best state to resume from: the latest finalized
// state when intact, otherwise the newest checkpoint.
func (cs *ConsensusStore) Recover() (*state.GameConsensusState, error) {
	st, err := cs.LatestState()
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		logger.Warn("latest state unreadable, falling back to checkpoint: %v", err)
	}
	cp, cpErr := cs.LatestCheckpoint()
	if cpErr != nil {
		return nil, err
	}
	return cp, nil
}

// SaveDispute archives a serialized dispute record.
func (cs *ConsensusStore) SaveDispute(id types.DisputeID, data []byte) error {
	return cs.db.Put(disputeKey(id), data)
}

// LoadDispute reads one archived dispute.
func (cs *ConsensusStore) LoadDispute(id types.DisputeID) ([]byte, error) {
	return cs.db.Get(disputeKey(id))
}

// Disputes walks every archived dispute.
func (cs *ConsensusStore) Disputes(fn func(id types.DisputeID, data []byte) bool) error {
	return cs.db.Iter(prefixDispute, func(key, value []byte) bool {
		if len(key) != len(prefixDispute)+32 {
			return true
		}
		var id types.DisputeID
		copy(id[:], key[len(prefixDispute):])
		return fn(id, value)
	})
}

func (cs *ConsensusStore) pruneStatesBelow(seq uint64) {
	var stale [][]byte
	_ = cs.db.Iter(prefixState, func(key, value []byte) bool {
		if len(key) == len(prefixState)+8 &&
			binary.BigEndian.Uint64(key[len(prefixState):]) < seq {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		if err := cs.db.Delete(key); err != nil {
			logger.Debug("prune state %x: %v", key, err)
		}
	}
}
