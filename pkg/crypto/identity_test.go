package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(id.DID, "did:key:z"))
	assert.Len(t, id.EncryptPrivate, 32)
	assert.Len(t, id.EncryptPublic, 32)
	assert.NotEmpty(t, id.Mnemonic)
	assert.Len(t, strings.Fields(id.Mnemonic), 12)
}

func TestRecoverIdentityDeterministic(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	recovered, err := RecoverIdentity(id.Mnemonic)
	require.NoError(t, err)

	assert.Equal(t, id.DID, recovered.DID)
	assert.Equal(t, id.SigningPrivate, recovered.SigningPrivate)
	assert.Equal(t, id.EncryptPrivate, recovered.EncryptPrivate)
	assert.Equal(t, id.EncryptPublic, recovered.EncryptPublic)
}

func TestRecoverIdentityRejectsGarbage(t *testing.T) {
	_, err := RecoverIdentity("definitely not a valid mnemonic phrase at all")
	assert.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestSigningKeyFromDID(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	pub, err := SigningKeyFromDID(id.DID)
	require.NoError(t, err)
	assert.Equal(t, []byte(id.SigningPublic), []byte(pub))
}

func TestSigningKeyFromDIDRejectsMalformed(t *testing.T) {
	for _, did := range []string{
		"",
		"did:web:example.com",
		"did:key:zzz!!!not-base58",
		"did:key:z2",
	} {
		_, err := SigningKeyFromDID(did)
		assert.ErrorIs(t, err, ErrInvalidDID, "did %q", did)
	}
}

func TestKeyEncodingRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	encoded := EncodeKey(id.EncryptPublic)
	decoded, err := DecodeKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, id.EncryptPublic, decoded)
}
