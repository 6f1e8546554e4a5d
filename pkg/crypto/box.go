package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const hkdfInfoConversation = "umbra/conversation/v1"

// GroupKeySize is the size of a symmetric group key.
const GroupKeySize = chacha20poly1305.KeySize

// Context binds a ciphertext to the conversation it belongs to. Both sides
// must present the identical context or decryption fails.
type Context struct {
	SenderDID      string
	RecipientDID   string
	Timestamp      int64
	ConversationID string
}

// Bytes serializes the context for use as associated data.
func (c *Context) Bytes() []byte {
	s := c.SenderDID + "|" + c.RecipientDID + "|" + strconv.FormatInt(c.Timestamp, 10) + "|" + c.ConversationID
	return []byte(s)
}

// Encrypt encrypts plaintext from the sender to the recipient. The shared
// key is derived from an X25519 agreement between the sender's private and
// the recipient's public encryption key; the context is bound as
// associated data. Returns ciphertext and nonce.
func Encrypt(plaintext, senderPriv, recipientPub []byte, ctx *Context) ([]byte, []byte, error) {
	aead, err := conversationAEAD(senderPriv, recipientPub)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, ctx.Bytes())
	return ciphertext, nonce, nil
}

// Decrypt is the symmetric inverse of Encrypt, called with the recipient's
// private and the sender's public key and the mirrored context.
func Decrypt(ciphertext, nonce, recipientPriv, senderPub []byte, ctx *Context) ([]byte, error) {
	aead, err := conversationAEAD(recipientPriv, senderPub)
	if err != nil {
		return nil, err
	}

	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, ctx.Bytes())
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// GenerateGroupKey generates a fresh symmetric group key.
func GenerateGroupKey() ([]byte, error) {
	key := make([]byte, GroupKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptWithKey encrypts plaintext under a symmetric group key.
func EncryptWithKey(plaintext, key []byte) ([]byte, []byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// DecryptWithKey decrypts ciphertext under a symmetric group key.
func DecryptWithKey(ciphertext, nonce, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func conversationAEAD(priv, pub []byte) (cipher.AEAD, error) {
	if len(priv) != curve25519.ScalarSize || len(pub) != curve25519.PointSize {
		return nil, ErrInvalidKey
	}

	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfoConversation))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	return chacha20poly1305.NewX(key)
}
