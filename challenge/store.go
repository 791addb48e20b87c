package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTTL bounds how long an issued challenge may be answered.
	DefaultTTL = 600 * time.Second
	// NonceBytes is the entropy of generated nonces.
	NonceBytes = 32

	defaultSweepInterval = time.Minute
)

var (
	// ErrNotFound is returned when no live challenge exists for the key, or when
	// the presented nonce was replaced or already consumed.
	ErrNotFound = errors.New("challenge not found")
	// ErrExpired is returned when the challenge outlived its TTL.
	ErrExpired = errors.New("challenge expired")
)

// Record is an issued challenge with its caller-defined payload.
type Record[T any] struct {
	Key       string
	Nonce     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Payload   T
}

// PersistedRecord is the encoded form handed to a Persistence backend.
type PersistedRecord struct {
	Namespace string
	Key       string
	Nonce     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Payload   []byte
}

// Persistence provides durable storage so outstanding challenges survive restarts.
type Persistence interface {
	SaveChallenge(ctx context.Context, rec PersistedRecord) error
	DeleteChallenge(ctx context.Context, namespace, key string) error
	LiveChallenges(ctx context.Context, namespace string, now time.Time) ([]PersistedRecord, error)
	PruneChallenges(ctx context.Context, cutoff time.Time) error
}

// Store is a single-use, TTL-bounded key to challenge map. Issuing for a key
// that already holds a challenge replaces it, so only the newest nonce is live.
type Store[T any] struct {
	namespace   string
	ttl         time.Duration
	nowFn       func() time.Time
	persistence Persistence
	logger      *slog.Logger

	mu      sync.Mutex
	entries map[string]Record[T]
}

// Option customises a Store.
type Option[T any] func(*Store[T])

// WithClock overrides the time source.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(s *Store[T]) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithPersistence mirrors every mutation into p.
func WithPersistence[T any](p Persistence) Option[T] {
	return func(s *Store[T]) { s.persistence = p }
}

// WithLogger sets the logger used for persistence failures that do not fail the caller.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(s *Store[T]) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore builds a store for the given namespace. A non-positive ttl uses DefaultTTL.
func NewStore[T any](namespace string, ttl time.Duration, opts ...Option[T]) *Store[T] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store[T]{
		namespace: strings.TrimSpace(namespace),
		ttl:       ttl,
		nowFn:     time.Now,
		logger:    slog.Default(),
		entries:   make(map[string]Record[T]),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL reports the lifetime given to issued challenges.
func (s *Store[T]) TTL() time.Duration { return s.ttl }

// Issue stores a fresh challenge with a random nonce under key.
func (s *Store[T]) Issue(ctx context.Context, key string, payload T) (Record[T], error) {
	nonce, err := NewNonce()
	if err != nil {
		return Record[T]{}, err
	}
	return s.Put(ctx, key, nonce, payload)
}

// Put stores a challenge with a caller-chosen nonce under key, replacing any prior one.
func (s *Store[T]) Put(ctx context.Context, key, nonce string, payload T) (Record[T], error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Record[T]{}, fmt.Errorf("challenge key required")
	}
	if strings.TrimSpace(nonce) == "" {
		return Record[T]{}, fmt.Errorf("challenge nonce required")
	}
	now := s.nowFn().UTC()
	rec := Record[T]{
		Key:       key,
		Nonce:     nonce,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
		Payload:   payload,
	}
	if s.persistence != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Record[T]{}, fmt.Errorf("encode challenge payload: %w", err)
		}
		if err := s.persistence.SaveChallenge(ctx, PersistedRecord{
			Namespace: s.namespace,
			Key:       key,
			Nonce:     nonce,
			IssuedAt:  rec.IssuedAt,
			ExpiresAt: rec.ExpiresAt,
			Payload:   encoded,
		}); err != nil {
			return Record[T]{}, fmt.Errorf("persist challenge: %w", err)
		}
	}
	s.mu.Lock()
	s.entries[key] = rec
	s.mu.Unlock()
	return rec, nil
}

// Get returns the live challenge for key without consuming it. Expired
// challenges are removed and reported as ErrExpired.
func (s *Store[T]) Get(ctx context.Context, key string) (Record[T], error) {
	key = strings.TrimSpace(key)
	now := s.nowFn()
	s.mu.Lock()
	rec, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return Record[T]{}, ErrNotFound
	}
	if !now.Before(rec.ExpiresAt) {
		delete(s.entries, key)
		s.mu.Unlock()
		s.forget(ctx, key)
		return Record[T]{}, ErrExpired
	}
	s.mu.Unlock()
	return rec, nil
}

// Consume deletes the challenge for key only when it still carries nonce.
// A challenge that was replaced or consumed by a racing caller yields
// ErrNotFound, so a nonce is accepted at most once.
func (s *Store[T]) Consume(ctx context.Context, key, nonce string) (Record[T], error) {
	key = strings.TrimSpace(key)
	now := s.nowFn()
	s.mu.Lock()
	rec, ok := s.entries[key]
	if !ok || rec.Nonce != nonce {
		s.mu.Unlock()
		return Record[T]{}, ErrNotFound
	}
	delete(s.entries, key)
	s.mu.Unlock()
	s.forget(ctx, key)
	if !now.Before(rec.ExpiresAt) {
		return Record[T]{}, ErrExpired
	}
	return rec, nil
}

// Sweep drops every expired challenge and returns how many were removed.
func (s *Store[T]) Sweep(ctx context.Context) int {
	now := s.nowFn()
	var expired []string
	s.mu.Lock()
	for key, rec := range s.entries {
		if !now.Before(rec.ExpiresAt) {
			delete(s.entries, key)
			expired = append(expired, key)
		}
	}
	s.mu.Unlock()
	if s.persistence != nil && len(expired) > 0 {
		if err := s.persistence.PruneChallenges(ctx, now.UTC()); err != nil {
			s.logger.Warn("prune persisted challenges", "namespace", s.namespace, "error", err)
		}
	}
	return len(expired)
}

// Len reports the number of stored challenges, expired or not.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Hydrate loads challenges that were live when the process last stopped.
func (s *Store[T]) Hydrate(ctx context.Context) error {
	if s.persistence == nil {
		return nil
	}
	now := s.nowFn().UTC()
	records, err := s.persistence.LiveChallenges(ctx, s.namespace, now)
	if err != nil {
		return fmt.Errorf("load persisted challenges: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, persisted := range records {
		var payload T
		if len(persisted.Payload) > 0 {
			if err := json.Unmarshal(persisted.Payload, &payload); err != nil {
				s.logger.Warn("skip undecodable challenge", "namespace", s.namespace, "key", persisted.Key, "error", err)
				continue
			}
		}
		if existing, ok := s.entries[persisted.Key]; ok && existing.IssuedAt.After(persisted.IssuedAt) {
			continue
		}
		s.entries[persisted.Key] = Record[T]{
			Key:       persisted.Key,
			Nonce:     persisted.Nonce,
			IssuedAt:  persisted.IssuedAt,
			ExpiresAt: persisted.ExpiresAt,
			Payload:   payload,
		}
	}
	return nil
}

// Run sweeps expired challenges until ctx is cancelled.
func (s *Store[T]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(ctx); n > 0 {
				s.logger.Debug("swept expired challenges", "namespace", s.namespace, "count", n)
			}
		}
	}
}

func (s *Store[T]) forget(ctx context.Context, key string) {
	if s.persistence == nil {
		return
	}
	if err := s.persistence.DeleteChallenge(context.WithoutCancel(ctx), s.namespace, key); err != nil {
		s.logger.Warn("delete persisted challenge", "namespace", s.namespace, "key", key, "error", err)
	}
}

// NewNonce returns NonceBytes of randomness as 0x-prefixed hex.
func NewNonce() (string, error) {
	buf := make([]byte, NonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(buf), nil
}
