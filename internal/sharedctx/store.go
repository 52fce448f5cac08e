// Package sharedctx provides the versioned key/value state visible to all
// workers in a collaboration. Writes use optimistic concurrency: callers
// present the version they read, and stale writes are rejected so the
// caller re-reads and retries. No locks are held across read-modify-write.
package sharedctx

import (
	"sync"
	"time"

	"github.com/nidhogg/ensemble/internal/fault"
	"go.uber.org/zap"
)

// Entry is a stored value with the version that produced it.
type Entry struct {
	Value   interface{} `json:"value"`
	Version uint64      `json:"version"`
}

// AccessRecord is one line of the append-only audit log.
type AccessRecord struct {
	Key        string    `json:"key"`
	Writer     string    `json:"writer"`
	Timestamp  time.Time `json:"timestamp"`
	OldVersion uint64    `json:"old_version"`
	NewVersion uint64    `json:"new_version"`
}

// Store holds the shared context for a single execution scope.
type Store struct {
	scope   string
	mu      sync.RWMutex
	data    map[string]Entry
	version uint64
	lastBy  string
	log     []AccessRecord
	logger  *zap.Logger
}

// New creates a store scoped to one execution or team.
func New(scope string, logger *zap.Logger) *Store {
	return &Store{
		scope:  scope,
		data:   make(map[string]Entry),
		logger: logger,
	}
}

// Scope returns the owning execution or team ID.
func (s *Store) Scope() string { return s.scope }

// Read returns the value and the store version it was read at. The version
// is what a subsequent Write must present. A missing key reads as nil at
// the current version, so "create if absent" follows the same protocol.
func (s *Store) Read(key string) (interface{}, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.data[key]; ok {
		return e.Value, s.version
	}
	return nil, s.version
}

// Has reports whether a key exists.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}

// Write stores a value if expectedVersion matches the current store
// version, returning the new version. A stale expectation yields a
// CONFLICT fault and no state change.
func (s *Store) Write(key string, value interface{}, expectedVersion uint64, writer string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expectedVersion != s.version {
		return 0, fault.New(fault.KindConflict,
			"stale write to %q: expected version %d, current %d", key, expectedVersion, s.version).
			WithRecovery("re-read the key and retry with the current version")
	}

	old := s.version
	s.version++
	s.data[key] = Entry{Value: value, Version: s.version}
	s.lastBy = writer
	s.log = append(s.log, AccessRecord{
		Key:        key,
		Writer:     writer,
		Timestamp:  time.Now(),
		OldVersion: old,
		NewVersion: s.version,
	})

	s.logger.Debug("context write",
		zap.String("scope", s.scope),
		zap.String("key", key),
		zap.String("writer", writer),
		zap.Uint64("version", s.version))
	return s.version, nil
}

// MustWrite retries Write against the live version until it lands. Meant
// for the engine's own bookkeeping writes, where the caller has no newer
// value to merge and last-writer-wins is the intent.
func (s *Store) MustWrite(key string, value interface{}, writer string) uint64 {
	for {
		_, v := s.Read(key)
		nv, err := s.Write(key, value, v, writer)
		if err == nil {
			return nv
		}
	}
}

// Version returns the current version counter.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// LastWriter returns the ID of the most recent writer.
func (s *Store) LastWriter() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBy
}

// Keys returns all stored keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a copy of the current key/value state.
func (s *Store) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string]interface{}, len(s.data))
	for k, e := range s.data {
		snap[k] = e.Value
	}
	return snap
}

// AccessLog returns a copy of the audit log.
func (s *Store) AccessLog() []AccessRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AccessRecord, len(s.log))
	copy(out, s.log)
	return out
}
