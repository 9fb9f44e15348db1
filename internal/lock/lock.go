// Package lock provides short-lived exclusive claims on string keys.
//
// A claim guards one delivery of one ad to one destination. Memory claims are
// process-local; Redis claims extend the guard across processes.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Claimer hands out exclusive claims. TryClaim never blocks on contention:
// a held key returns ok=false.
type Claimer interface {
	TryClaim(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Memory is an in-process Claimer. Expired claims are reclaimable.
type Memory struct {
	mu     sync.Mutex
	clock  func() time.Time
	claims map[string]memClaim
}

type memClaim struct {
	token   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{clock: time.Now, claims: map[string]memClaim{}}
}

func (m *Memory) TryClaim(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if c, ok := m.claims[key]; ok && (c.expires.IsZero() || now.Before(c.expires)) {
		return nil, false, nil
	}
	c := memClaim{token: newToken()}
	if ttl > 0 {
		c.expires = now.Add(ttl)
	}
	m.claims[key] = c
	return func() { m.release(key, c.token) }, true, nil
}

func (m *Memory) release(key, token string) {
	m.mu.Lock()
	if c, ok := m.claims[key]; ok && c.token == token {
		delete(m.claims, key)
	}
	m.mu.Unlock()
}

// Prune removes expired claims left by callers that never released.
func (m *Memory) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	n := 0
	for k, c := range m.claims {
		if !c.expires.IsZero() && !now.Before(c.expires) {
			delete(m.claims, k)
			n++
		}
	}
	return n
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claims)
}
