// Package resilience provides the pacing, key rotation, retry and circuit
// breaking shared by every upstream provider.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoKeys is returned by Next when the pool holds no keys at all. Callers
// that need to know whether a provider is configured check Size instead.
var ErrNoKeys = errors.New("keypool: no keys configured")

// ErrKeysExhausted is returned by Next when every key is cooling down after a
// rate-limit response.
var ErrKeysExhausted = errors.New("keypool: all keys exhausted")

// KeyPool hands out a provider's API keys in rotation, skipping keys that
// were benched after a 429 until their cooldown ends.
type KeyPool struct {
	mu     sync.Mutex
	keys   []string
	bench  map[string]time.Time // key → usable again at
	cursor int
	now    func() time.Time
}

// NewKeyPool creates a key pool from a list of API keys. Blank keys are
// dropped.
func NewKeyPool(keys []string) *KeyPool {
	kp := &KeyPool{bench: make(map[string]time.Time), now: time.Now}
	kp.Reset(keys)
	return kp
}

// Reset replaces the pool contents. Benched keys that survive the reset stay
// benched, so a config reload can't un-limit a key early.
func (kp *KeyPool) Reset(keys []string) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	next := make([]string, 0, len(keys))
	keep := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || keep[k] {
			continue
		}
		keep[k] = true
		next = append(next, k)
	}
	for k := range kp.bench {
		if !keep[k] {
			delete(kp.bench, k)
		}
	}
	kp.keys = next
	kp.cursor = 0
}

// Next returns the next key that is not benched.
func (kp *KeyPool) Next() (string, error) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	if len(kp.keys) == 0 {
		return "", ErrNoKeys
	}

	now := kp.now()
	var earliest time.Time
	for i := range kp.keys {
		idx := (kp.cursor + i) % len(kp.keys)
		key := kp.keys[idx]

		until, benched := kp.bench[key]
		if benched && now.Before(until) {
			if earliest.IsZero() || until.Before(earliest) {
				earliest = until
			}
			continue
		}
		delete(kp.bench, key)

		kp.cursor = (idx + 1) % len(kp.keys)
		return key, nil
	}

	return "", fmt.Errorf("%w until %s", ErrKeysExhausted, earliest.Format(time.RFC3339))
}

// MarkRateLimited benches key until resetAt. Unknown keys are ignored.
func (kp *KeyPool) MarkRateLimited(key string, resetAt time.Time) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	for _, k := range kp.keys {
		if k == key {
			kp.bench[key] = resetAt
			return
		}
	}
}

// Size returns the number of keys in the pool, benched or not.
func (kp *KeyPool) Size() int {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	return len(kp.keys)
}
