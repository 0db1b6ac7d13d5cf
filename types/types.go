// Package types holds the identifier and primitive types shared by every
// layer of the consensus core. All identifiers are comparable value types
// and safe to use as map keys.
package types

import (
	e_common "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Hash is a 32 byte Keccak-256 digest.
type Hash = e_common.Hash

// PeerID identifies a participant. It is the 20 byte address derived from
// the peer's secp256k1 public key, so it can be recovered from any
// signature the peer produces.
type PeerID = e_common.Address

// RoundID numbers commit-reveal randomness rounds within a game.
type RoundID uint64

// GameID identifies one game instance.
type GameID = uuid.UUID

// ProposalID identifies a state-transition proposal. It is the digest of
// the proposal's canonical encoding, so equal proposals share an id.
type ProposalID e_common.Hash

func (id ProposalID) Hex() string    { return e_common.Hash(id).Hex() }
func (id ProposalID) Bytes() []byte  { return id[:] }
func (id ProposalID) IsZero() bool   { return id == ProposalID{} }
func (id ProposalID) String() string { return id.Hex() }

// DisputeID identifies a dispute. It is derived deterministically from the
// disputer, the disputed state and the claim, so raising the same dispute
// twice yields the same id.
type DisputeID e_common.Hash

func (id DisputeID) Hex() string    { return e_common.Hash(id).Hex() }
func (id DisputeID) Bytes() []byte  { return id[:] }
func (id DisputeID) IsZero() bool   { return id == DisputeID{} }
func (id DisputeID) String() string { return id.Hex() }

// HexToPeerID parses a 0x-prefixed or bare hex address.
func HexToPeerID(s string) PeerID { return e_common.HexToAddress(s) }

// HexToHash parses a 0x-prefixed or bare hex digest.
func HexToHash(s string) Hash { return e_common.HexToHash(s) }
