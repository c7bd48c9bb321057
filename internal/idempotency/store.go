// Package idempotency gates each (device, slot, minute, action) tuple so
// the planner never enqueues the same command twice. It mirrors the
// teacher's idempotency.Store — a Redis-backed primary with an in-memory
// fallback — generalized to the reference implementation's one-way
// degrade semantics (MinuteIdempotencyStore): once Redis errors, this
// store never tries it again for the lifetime of the process.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KennyDaktyl/smart-schedulers-core/internal/observability"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/resilience"
)

// Store provides Acquire: an atomic "has this key been claimed before"
// check with TTL-bounded expiry.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	prefix string

	mu       sync.Mutex
	degraded bool
	local    map[string]time.Time // key -> expiry, pruned on every Acquire

	tracker *resilience.DegradedModeTracker
}

// New builds a Store backed by client. ttl is floor-clamped by the caller
// (internal/config already applies the 30s floor).
func New(client *redis.Client, ttl time.Duration, prefix string, tracker *resilience.DegradedModeTracker) *Store {
	return &Store{
		client:  client,
		ttl:     ttl,
		prefix:  prefix,
		local:   make(map[string]time.Time),
		tracker: tracker,
	}
}

// Key builds the "{device_id}:{slot_id}:{minute_iso}:{action}" suffix the
// external-interfaces spec names; Store.Acquire prepends the configured
// prefix itself.
func Key(deviceID, slotID int64, minuteUTC time.Time, action string) string {
	return fmt.Sprintf("%d:%d:%s:%s", deviceID, slotID, minuteUTC.UTC().Format(time.RFC3339), action)
}

// Acquire returns true if key has not been claimed before (and claims it
// now), false if it was already claimed. On any Redis error it degrades
// permanently to the local in-memory map for the rest of the process
// lifetime — the same one-way fallback the reference implementation uses,
// since flapping between backends mid-run risks a double-claim across the
// switch.
func (s *Store) Acquire(ctx context.Context, key string) bool {
	s.mu.Lock()
	degraded := s.degraded
	s.mu.Unlock()

	if !degraded && s.client != nil {
		ok, err := s.client.SetNX(ctx, s.prefix+":"+key, "1", s.ttl).Result()
		if err == nil {
			return ok
		}
		s.degrade()
	}

	return s.acquireLocal(key)
}

func (s *Store) degrade() {
	s.mu.Lock()
	already := s.degraded
	s.degraded = true
	s.mu.Unlock()
	if !already {
		observability.IdempotencyDegraded.Set(1)
		if s.tracker != nil {
			s.tracker.MarkDegraded()
		}
	}
}

func (s *Store) acquireLocal(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for k, exp := range s.local {
		if now.After(exp) {
			delete(s.local, k)
		}
	}

	if exp, ok := s.local[key]; ok && now.Before(exp) {
		return false
	}
	s.local[key] = now.Add(s.ttl)
	return true
}

// Degraded reports whether the store has permanently fallen back to
// local-memory mode.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}
