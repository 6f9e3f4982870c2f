package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoUsableKey is returned when every key for a provider is cooling down.
var ErrNoUsableKey = errors.New("no usable key for provider")

// DefaultKeyCooldown is how long an auth-failed key is skipped before being
// offered again.
const DefaultKeyCooldown = 5 * time.Minute

// Key is one credential in a provider's rotation set.
type Key struct {
	ID     string
	Secret string
}

// keyHealth tracks per-key auth failure state.
type keyHealth struct {
	consecutiveAuthFailures int
	lastFailureAt           time.Time
	cooldownUntil           time.Time
}

// Keyring selects keys for one provider round-robin, skipping keys marked
// auth-failed until their cooldown elapses. A key's failed status is cleared
// on its first subsequent success.
type Keyring struct {
	mu       sync.Mutex
	provider string
	keys     []Key
	health   map[string]*keyHealth
	next     int
	cooldown time.Duration
	now      func() time.Time
}

// NewKeyring builds a keyring for a provider. Keys without an ID are assigned
// "k0", "k1", ... by position.
func NewKeyring(provider string, secrets []string, cooldown time.Duration) *Keyring {
	if cooldown <= 0 {
		cooldown = DefaultKeyCooldown
	}
	keys := make([]Key, 0, len(secrets))
	for i, s := range secrets {
		keys = append(keys, Key{ID: fmt.Sprintf("k%d", i), Secret: s})
	}
	return &Keyring{
		provider: provider,
		keys:     keys,
		health:   make(map[string]*keyHealth),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Next returns the next usable key in rotation order.
func (kr *Keyring) Next() (Key, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if len(kr.keys) == 0 {
		return Key{}, fmt.Errorf("%w: %s (no keys registered)", ErrNoUsableKey, kr.provider)
	}

	now := kr.now()
	for i := 0; i < len(kr.keys); i++ {
		idx := (kr.next + i) % len(kr.keys)
		key := kr.keys[idx]
		h := kr.health[key.ID]
		if h != nil && now.Before(h.cooldownUntil) {
			continue
		}
		kr.next = (idx + 1) % len(kr.keys)
		return key, nil
	}

	return Key{}, fmt.Errorf("%w: %s (all keys cooling down)", ErrNoUsableKey, kr.provider)
}

// MarkAuthFailed records an auth/billing failure for a key, starting its
// cooldown.
func (kr *Keyring) MarkAuthFailed(keyID string) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	h := kr.health[keyID]
	if h == nil {
		h = &keyHealth{}
		kr.health[keyID] = h
	}
	h.consecutiveAuthFailures++
	h.lastFailureAt = kr.now()
	h.cooldownUntil = h.lastFailureAt.Add(kr.cooldown)
}

// MarkSuccess clears any auth-failed status for a key.
func (kr *Keyring) MarkSuccess(keyID string) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	delete(kr.health, keyID)
}

// Health returns a snapshot of per-key failure state.
func (kr *Keyring) Health() map[string]KeyHealthSnapshot {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	out := make(map[string]KeyHealthSnapshot, len(kr.keys))
	for _, key := range kr.keys {
		snap := KeyHealthSnapshot{KeyID: key.ID}
		if h, ok := kr.health[key.ID]; ok {
			snap.ConsecutiveAuthFailures = h.consecutiveAuthFailures
			snap.LastFailureAt = h.lastFailureAt
			snap.CooldownUntil = h.cooldownUntil
		}
		out[key.ID] = snap
	}
	return out
}

// KeyHealthSnapshot is a read-only view of one key's health.
type KeyHealthSnapshot struct {
	KeyID                   string
	ConsecutiveAuthFailures int
	LastFailureAt           time.Time
	CooldownUntil           time.Time
}
