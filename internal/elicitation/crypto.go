package elicitation

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tachyon-beep/lighthouse-sub001/internal/eventstore"
)

// NewElicitationID mints "elicit_" + 16 hex chars.
func NewElicitationID() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("elicitation id: %w", err)
	}
	return "elicit_" + hex.EncodeToString(raw[:]), nil
}

// NewNonce returns a 128-bit cryptographically random nonce in hex.
func NewNonce() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

// requestSigningPayload is the canonical byte source for request signatures.
// Field order is fixed by the canonical encoder.
type requestSigningPayload struct {
	ID        string                 `codec:"id"`
	From      string                 `codec:"from"`
	To        string                 `codec:"to"`
	Message   string                 `codec:"message"`
	Schema    map[string]interface{} `codec:"schema"`
	Nonce     string                 `codec:"nonce"`
	CreatedAt int64                  `codec:"created_at"`
}

// SignRequest computes HMAC-SHA256 over the canonical request bytes with the
// store secret.
func SignRequest(secret []byte, r *Request) (string, error) {
	payload, err := eventstore.EncodeCanonical(&requestSigningPayload{
		ID:        r.ID,
		From:      r.FromAgent,
		To:        r.ToAgent,
		Message:   r.Message,
		Schema:    r.Schema,
		Nonce:     r.Nonce,
		CreatedAt: r.CreatedAt.UnixNano(),
	})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyRequestSignature recomputes the request signature and compares in
// constant time.
func VerifyRequestSignature(secret []byte, r *Request) bool {
	expected, err := SignRequest(secret, r)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(r.RequestSignature))
}

// ResponseKey derives the expected response key:
// SHA-256("{id}:{to_agent}:{nonce}:{secret}"). The key mixes the addressed
// agent into a one-way function with the secret and the per-request nonce, so
// only a component holding the secret can derive it for the addressed agent;
// substituting a different agent id yields a different key.
func ResponseKey(secret []byte, id, toAgent, nonce string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s", id, toAgent, nonce, secret)))
	return hex.EncodeToString(sum[:])
}

// responseSigningPayload is the canonical byte source for response signatures.
type responseSigningPayload struct {
	ID        string                 `codec:"id"`
	Responder string                 `codec:"responder"`
	Type      string                 `codec:"type"`
	Data      map[string]interface{} `codec:"data"`
	Nonce     string                 `codec:"nonce"`
	At        int64                  `codec:"at"`
}

// SignResponse computes HMAC-SHA256 keyed by the expected response key.
func SignResponse(responseKey string, id, responder string, rt ResponseType, data map[string]interface{}, nonce string, at time.Time) (string, error) {
	payload, err := eventstore.EncodeCanonical(&responseSigningPayload{
		ID:        id,
		Responder: responder,
		Type:      string(rt),
		Data:      data,
		Nonce:     nonce,
		At:        at.UnixNano(),
	})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(responseKey))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyResponseSignature recomputes and compares in constant time.
func VerifyResponseSignature(responseKey, signature, id, responder string, rt ResponseType, data map[string]interface{}, nonce string, at time.Time) bool {
	expected, err := SignResponse(responseKey, id, responder, rt, data, nonce, at)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
