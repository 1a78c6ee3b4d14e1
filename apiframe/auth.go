package apiframe

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// challengeBytes yields 32 hex characters, comfortably above the protocol's
// 16-character minimum.
const challengeBytes = 16

// challengeTTL bounds how long an issued challenge stays answerable.
const challengeTTL = 5 * time.Minute

// KeySource resolves the shared secret for an authorizable target.
type KeySource interface {
	// SecretFor returns the secret bound to targetID, or false when the
	// target is unknown.
	SecretFor(targetID string) ([]byte, bool)
}

// StaticKeySource is a KeySource over a fixed map.
type StaticKeySource map[string][]byte

// SecretFor implements KeySource.
func (s StaticKeySource) SecretFor(targetID string) ([]byte, bool) {
	secret, ok := s[targetID]
	return secret, ok
}

// ChallengeResponse computes the answer to a challenge: the hex HMAC-SHA256
// of the challenge text under the shared secret. Clients use this to answer
// makeChallenge without ever transmitting the secret.
func ChallengeResponse(secret []byte, challenge string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// pendingChallenge is one issued, unanswered challenge.
type pendingChallenge struct {
	targetID string
	expires  time.Time
}

// metaTarget is the built-in "meta" target present on every connection. It
// exposes connection identity, liveness, and the challenge-response flow
// that unlocks further targets.
type metaTarget struct {
	conn *Connection

	mu      sync.Mutex
	pending map[string]pendingChallenge
}

func newMetaTarget(conn *Connection) *metaTarget {
	return &metaTarget{conn: conn, pending: make(map[string]pendingChallenge)}
}

// Call implements Target.
func (m *metaTarget) Call(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	switch method {
	case "connectionId":
		return m.conn.ID(), nil
	case "ping":
		return true, nil
	case "makeChallenge":
		targetID, err := StringArg(method, args, 0)
		if err != nil {
			return nil, err
		}
		return m.makeChallenge(targetID)
	case "authWithChallengeResponse":
		challenge, err := StringArg(method, args, 0)
		if err != nil {
			return nil, err
		}
		response, err := StringArg(method, args, 1)
		if err != nil {
			return nil, err
		}
		return m.authWithChallengeResponse(ctx, challenge, response)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
}

func (m *metaTarget) makeChallenge(targetID string) (string, error) {
	if _, ok := m.conn.secrets.SecretFor(targetID); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}
	raw := make([]byte, challengeBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("%w: entropy source failed: %v", ErrConnectionError, err)
	}
	challenge := hex.EncodeToString(raw)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	m.pending[challenge] = pendingChallenge{targetID: targetID, expires: time.Now().Add(challengeTTL)}
	return challenge, nil
}

func (m *metaTarget) authWithChallengeResponse(ctx context.Context, challenge, response string) (interface{}, error) {
	m.mu.Lock()
	m.expireLocked()
	pending, ok := m.pending[challenge]
	// Challenges are one-shot: answered or not, they are consumed.
	delete(m.pending, challenge)
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: unknown or expired challenge", ErrAuthFailed)
	}
	secret, found := m.conn.secrets.SecretFor(pending.targetID)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, pending.targetID)
	}
	expected := ChallengeResponse(secret, challenge)
	if !hmac.Equal([]byte(expected), []byte(response)) {
		return nil, fmt.Errorf("%w: bad challenge response", ErrAuthFailed)
	}
	if m.conn.provider == nil {
		return nil, fmt.Errorf("%w: no targets available", ErrUnknownTarget)
	}
	target, err := m.conn.provider.TargetFor(ctx, pending.targetID)
	if err != nil {
		return nil, err
	}
	m.conn.AddTarget(pending.targetID, target)
	return true, nil
}

func (m *metaTarget) expireLocked() {
	now := time.Now()
	for challenge, pending := range m.pending {
		if now.After(pending.expires) {
			delete(m.pending, challenge)
		}
	}
}
