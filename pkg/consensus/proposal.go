package consensus

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/near/borsh-go"

	"github.com/meta-node-blockchain/dicemesh/pkg/identity"
	"github.com/meta-node-blockchain/dicemesh/pkg/state"
	"github.com/meta-node-blockchain/dicemesh/types"
)

// GameProposal asks the mesh to advance the shared state by one operation.
// The proposed successor state travels with the proposal so validators can
// compare it against their own recomputation.
type GameProposal struct {
	ID            types.ProposalID
	Proposer      types.PeerID
	PrevStateHash types.Hash
	Operation     state.Operation
	ProposedState *state.GameConsensusState
	Timestamp     uint64
	Nonce         uint64
	Sig           types.Signature
}

type proposalDigestEncoding struct {
	Proposer      [20]byte
	PrevStateHash [32]byte
	Operation     []byte
	ProposedState [32]byte
	Timestamp     uint64
	Nonce         uint64
}

// Digest returns the canonical hash of the proposal, which doubles as its
// id. Equal proposals hash equal on every peer.
func (p *GameProposal) Digest() (types.Hash, error) {
	encodedOp, err := state.EncodeOperation(p.Operation)
	if err != nil {
		return types.Hash{}, err
	}
	enc := proposalDigestEncoding{
		Proposer:      p.Proposer,
		PrevStateHash: p.PrevStateHash,
		Operation:     encodedOp,
		ProposedState: p.ProposedState.StateHash,
		Timestamp:     p.Timestamp,
		Nonce:         p.Nonce,
	}
	data, err := borsh.Serialize(enc)
	if err != nil {
		return types.Hash{}, fmt.Errorf("consensus: encode proposal: %w", err)
	}
	return crypto.Keccak256Hash(data), nil
}

// SignProposal fills in the proposal id and signature.
func SignProposal(p *GameProposal, keyPair *identity.KeyPair) error {
	digest, err := p.Digest()
	if err != nil {
		return err
	}
	p.ID = types.ProposalID(digest)
	sig, err := keyPair.Sign(digest)
	if err != nil {
		return err
	}
	p.Sig = sig
	return nil
}

// VerifyProposal checks id integrity and the proposer's signature.
func VerifyProposal(p *GameProposal) error {
	if p.ProposedState == nil || p.Operation == nil {
		return fmt.Errorf("%w: missing body", ErrInvalidProposal)
	}
	digest, err := p.Digest()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	if types.ProposalID(digest) != p.ID {
		return fmt.Errorf("%w: id does not match content", ErrInvalidProposal)
	}
	if !p.Sig.Verify(p.Proposer, digest) {
		return fmt.Errorf("%w: proposal %s", ErrInvalidSignature, p.ID.Hex())
	}
	return nil
}

// VoteChoice is a peer's position on a proposal.
type VoteChoice uint8

const (
	VoteFor VoteChoice = iota
	VoteAgainst
	VoteAbstain
)

func (c VoteChoice) String() string {
	switch c {
	case VoteFor:
		return "for"
	case VoteAgainst:
		return "against"
	case VoteAbstain:
		return "abstain"
	}
	return fmt.Sprintf("choice(%d)", uint8(c))
}

// Vote is one peer's signed position on one proposal.
type Vote struct {
	Proposal  types.ProposalID
	Voter     types.PeerID
	Choice    VoteChoice
	Timestamp uint64
	Sig       types.Signature
}

type voteDigestEncoding struct {
	Proposal  [32]byte
	Voter     [20]byte
	Choice    uint8
	Timestamp uint64
}

// Digest returns the canonical hash a vote signature covers.
func (v *Vote) Digest() types.Hash {
	enc := voteDigestEncoding{
		Proposal:  v.Proposal,
		Voter:     v.Voter,
		Choice:    uint8(v.Choice),
		Timestamp: v.Timestamp,
	}
	data, err := borsh.Serialize(enc)
	if err != nil {
		// Fixed-width fields only; cannot fail.
		panic(fmt.Sprintf("consensus: encode vote: %v", err))
	}
	return crypto.Keccak256Hash(data)
}

// SignVote signs the vote with the voter's key.
func SignVote(v *Vote, keyPair *identity.KeyPair) error {
	sig, err := keyPair.Sign(v.Digest())
	if err != nil {
		return err
	}
	v.Sig = sig
	return nil
}

// VerifyVote checks the voter's signature.
func VerifyVote(v *Vote) error {
	if !v.Sig.Verify(v.Voter, v.Digest()) {
		return fmt.Errorf("%w: vote on %s by %s", ErrInvalidSignature, v.Proposal.Hex(), v.Voter.Hex())
	}
	return nil
}
