package elicitation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestSignatureDeterministic(t *testing.T) {
	secret := []byte("secret")
	r := &Request{
		ID:        "elicit_0011223344556677",
		FromAgent: "alice",
		ToAgent:   "bob",
		Message:   "hello",
		Schema:    map[string]interface{}{"required": []interface{}{"x"}},
		Nonce:     "aabbcc",
		CreatedAt: time.Unix(0, 1700000000000000000),
	}
	a, err := SignRequest(secret, r)
	require.NoError(t, err)
	b, err := SignRequest(secret, r)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Any field change breaks the signature.
	r2 := *r
	r2.ToAgent = "mallory"
	c, err := SignRequest(secret, &r2)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	r.RequestSignature = a
	assert.True(t, VerifyRequestSignature(secret, r))
	r2.RequestSignature = a
	assert.False(t, VerifyRequestSignature(secret, &r2))
}

func TestResponseKeyBindsAddressedAgent(t *testing.T) {
	secret := []byte("secret")
	keyBob := ResponseKey(secret, "elicit_x", "bob", "nonce1")
	keyMallory := ResponseKey(secret, "elicit_x", "mallory", "nonce1")
	keyOtherNonce := ResponseKey(secret, "elicit_x", "bob", "nonce2")

	assert.NotEqual(t, keyBob, keyMallory)
	assert.NotEqual(t, keyBob, keyOtherNonce)
	assert.Len(t, keyBob, 64)
}

func TestResponseSignatureRoundTrip(t *testing.T) {
	key := ResponseKey([]byte("secret"), "elicit_x", "bob", "nonce1")
	at := time.Unix(0, 1700000000000000000)
	data := map[string]interface{}{"answer": "yes"}

	sig, err := SignResponse(key, "elicit_x", "bob", ResponseAccept, data, "nonce1", at)
	require.NoError(t, err)

	assert.True(t, VerifyResponseSignature(key, sig, "elicit_x", "bob", ResponseAccept, data, "nonce1", at))
	assert.False(t, VerifyResponseSignature(key, sig, "elicit_x", "bob", ResponseDecline, data, "nonce1", at))
	assert.False(t, VerifyResponseSignature(key, sig, "elicit_x", "mallory", ResponseAccept, data, "nonce1", at))

	otherKey := ResponseKey([]byte("secret"), "elicit_x", "mallory", "nonce1")
	assert.False(t, VerifyResponseSignature(otherKey, sig, "elicit_x", "bob", ResponseAccept, data, "nonce1", at))
}

func TestIdentifierFormats(t *testing.T) {
	id, err := NewElicitationID()
	require.NoError(t, err)
	assert.Regexp(t, `^elicit_[0-9a-f]{16}$`, id)

	n1, err := NewNonce()
	require.NoError(t, err)
	n2, err := NewNonce()
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{32}$`, n1)
	assert.NotEqual(t, n1, n2)
}
