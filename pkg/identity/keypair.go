// Package identity manages the secp256k1 keypair a node signs with. The
// node's PeerID is the address derived from its public key, so every
// signature carries the identity of its author.
package identity

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/meta-node-blockchain/dicemesh/types"
)

type KeyPair struct {
	privateKey *ecdsa.PrivateKey
	address    types.PeerID
}

// NewKeyPair derives a keypair from raw private key bytes. Returns nil if
// the bytes are not a valid secp256k1 scalar, matching the fall-through
// style callers use to generate a fresh key instead.
func NewKeyPair(privBytes []byte) *KeyPair {
	priv, err := crypto.ToECDSA(privBytes)
	if err != nil {
		return nil
	}
	return &KeyPair{
		privateKey: priv,
		address:    crypto.PubkeyToAddress(priv.PublicKey),
	}
}

// GenerateKeyPair creates a fresh random keypair.
func GenerateKeyPair() *KeyPair {
	priv, err := crypto.GenerateKey()
	if err != nil {
		// crypto/rand failure is not recoverable at this layer.
		panic(fmt.Sprintf("identity: generate key: %v", err))
	}
	return &KeyPair{
		privateKey: priv,
		address:    crypto.PubkeyToAddress(priv.PublicKey),
	}
}

// Address returns the PeerID bound to this keypair.
func (kp *KeyPair) Address() types.PeerID { return kp.address }

// PublicKeyBytes returns the uncompressed public key.
func (kp *KeyPair) PublicKeyBytes() []byte {
	return crypto.FromECDSAPub(&kp.privateKey.PublicKey)
}

// PrivateKeyHex returns the private key as 0x-prefixed hex, for config
// round-tripping.
func (kp *KeyPair) PrivateKeyHex() string {
	return hexutil.Encode(crypto.FromECDSA(kp.privateKey))
}

// Sign produces a recoverable signature over digest.
func (kp *KeyPair) Sign(digest types.Hash) (types.Signature, error) {
	raw, err := crypto.Sign(digest.Bytes(), kp.privateKey)
	if err != nil {
		return types.Signature{}, fmt.Errorf("identity: sign: %w", err)
	}
	return types.SignatureFromBytes(raw)
}

func (kp *KeyPair) String() string {
	return fmt.Sprintf("address: %s", kp.address.Hex())
}
