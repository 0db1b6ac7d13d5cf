package consensus

import (
	"fmt"

	"github.com/near/borsh-go"

	"github.com/meta-node-blockchain/dicemesh/pkg/state"
	"github.com/meta-node-blockchain/dicemesh/types"
)

// Wire forms keep the operation and the proposed state as nested byte
// blobs so the envelope stays flat for borsh and the inner codecs keep
// ownership of their layouts.
type proposalWire struct {
	ID            [32]byte
	Proposer      [20]byte
	PrevStateHash [32]byte
	Operation     []byte
	ProposedState []byte
	Timestamp     uint64
	Nonce         uint64
	Sig           [65]byte
}

type voteWire struct {
	Proposal  [32]byte
	Voter     [20]byte
	Choice    uint8
	Timestamp uint64
	Sig       [65]byte
}

// EncodeProposal serializes p for broadcast.
func EncodeProposal(p *GameProposal) ([]byte, error) {
	opData, err := state.EncodeOperation(p.Operation)
	if err != nil {
		return nil, err
	}
	stateData, err := p.ProposedState.Marshal()
	if err != nil {
		return nil, err
	}
	return borsh.Serialize(proposalWire{
		ID:            p.ID,
		Proposer:      p.Proposer,
		PrevStateHash: p.PrevStateHash,
		Operation:     opData,
		ProposedState: stateData,
		Timestamp:     p.Timestamp,
		Nonce:         p.Nonce,
		Sig:           p.Sig,
	})
}

// DecodeProposal parses a broadcast proposal. The embedded state is
// integrity-checked against its own hash during unmarshal; signature
// verification stays with the receiver.
func DecodeProposal(data []byte) (*GameProposal, error) {
	var wire proposalWire
	if err := borsh.Deserialize(&wire, data); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	op, err := state.DecodeOperation(wire.Operation)
	if err != nil {
		return nil, err
	}
	proposed, err := state.Unmarshal(wire.ProposedState)
	if err != nil {
		return nil, err
	}
	return &GameProposal{
		ID:            types.ProposalID(wire.ID),
		Proposer:      types.PeerID(wire.Proposer),
		PrevStateHash: types.Hash(wire.PrevStateHash),
		Operation:     op,
		ProposedState: proposed,
		Timestamp:     wire.Timestamp,
		Nonce:         wire.Nonce,
		Sig:           types.Signature(wire.Sig),
	}, nil
}

// EncodeVote serializes v for broadcast.
func EncodeVote(v *Vote) ([]byte, error) {
	return borsh.Serialize(voteWire{
		Proposal:  v.Proposal,
		Voter:     v.Voter,
		Choice:    uint8(v.Choice),
		Timestamp: v.Timestamp,
		Sig:       v.Sig,
	})
}

// DecodeVote parses a broadcast vote.
func DecodeVote(data []byte) (*Vote, error) {
	var wire voteWire
	if err := borsh.Deserialize(&wire, data); err != nil {
		return nil, fmt.Errorf("decode vote: %w", err)
	}
	choice := VoteChoice(wire.Choice)
	switch choice {
	case VoteFor, VoteAgainst, VoteAbstain:
	default:
		return nil, fmt.Errorf("decode vote: unknown choice %d", wire.Choice)
	}
	return &Vote{
		Proposal:  types.ProposalID(wire.Proposal),
		Voter:     types.PeerID(wire.Voter),
		Choice:    choice,
		Timestamp: wire.Timestamp,
		Sig:       types.Signature(wire.Sig),
	}, nil
}
