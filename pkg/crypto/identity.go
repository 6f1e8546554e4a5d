// Package crypto implements the identity and crypto service consumed by
// the protocol engines: key generation and recovery, DID derivation, and
// authenticated encryption bound to a conversation context.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidMnemonic = errors.New("invalid recovery mnemonic")
	ErrInvalidKey      = errors.New("invalid key")
	ErrInvalidDID      = errors.New("invalid did")
)

const (
	hkdfInfoSigning    = "umbra/identity/signing/v1"
	hkdfInfoEncryption = "umbra/identity/encryption/v1"

	didKeyPrefix = "did:key:z"
)

// multicodec prefix for an ed25519 public key
var ed25519Multicodec = []byte{0xed, 0x01}

// Identity holds a peer's long-term key material. The signing key pair is
// ed25519 and also anchors the DID; the encryption key pair is x25519.
type Identity struct {
	DID            string
	Mnemonic       string
	SigningPrivate ed25519.PrivateKey
	SigningPublic  ed25519.PublicKey
	EncryptPrivate []byte // x25519 scalar, 32 bytes
	EncryptPublic  []byte // x25519 point, 32 bytes
}

// GenerateIdentity creates a fresh identity with a new recovery mnemonic.
func GenerateIdentity() (*Identity, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	return RecoverIdentity(mnemonic)
}

// RecoverIdentity re-derives the full identity from a recovery mnemonic.
// The same mnemonic always yields the same DID and key pairs.
func RecoverIdentity(mnemonic string) (*Identity, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(mnemonic, "")

	signingSeed, err := hkdfExpand(seed, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	encryptSeed, err := hkdfExpand(seed, hkdfInfoEncryption, 32)
	if err != nil {
		return nil, err
	}

	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	signingPub := signingPriv.Public().(ed25519.PublicKey)

	encryptPub, err := curve25519.X25519(encryptSeed, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	return &Identity{
		DID:            DeriveDID(signingPub),
		Mnemonic:       mnemonic,
		SigningPrivate: signingPriv,
		SigningPublic:  signingPub,
		EncryptPrivate: encryptSeed,
		EncryptPublic:  encryptPub,
	}, nil
}

// DeriveDID derives the did:key identifier from an ed25519 public key.
func DeriveDID(signingPub ed25519.PublicKey) string {
	prefixed := make([]byte, 0, len(ed25519Multicodec)+len(signingPub))
	prefixed = append(prefixed, ed25519Multicodec...)
	prefixed = append(prefixed, signingPub...)
	return didKeyPrefix + base58.Encode(prefixed)
}

// SigningKeyFromDID extracts the ed25519 public key embedded in a did:key.
func SigningKeyFromDID(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, ErrInvalidDID
	}
	decoded, err := base58.Decode(strings.TrimPrefix(did, didKeyPrefix))
	if err != nil {
		return nil, ErrInvalidDID
	}
	if len(decoded) != len(ed25519Multicodec)+ed25519.PublicKeySize {
		return nil, ErrInvalidDID
	}
	if decoded[0] != ed25519Multicodec[0] || decoded[1] != ed25519Multicodec[1] {
		return nil, ErrInvalidDID
	}
	return ed25519.PublicKey(decoded[2:]), nil
}

// EncodeKey encodes public key bytes for transport inside envelopes.
func EncodeKey(key []byte) string {
	return base58.Encode(key)
}

// DecodeKey decodes a transported public key.
func DecodeKey(s string) ([]byte, error) {
	key, err := base58.Decode(s)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return key, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
