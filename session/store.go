package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairlink/internal/metrics"
	"github.com/opd-ai/pairlink/protocol"
	"github.com/opd-ai/pairlink/storage"
)

// Storage keys. Each session lives under its own key; the master list is
// the JSON array of live session IDs that makes enumeration possible over
// a plain key-value contract.
const (
	recordKeyPrefix = "session:"
	masterListKey   = "sessions:master-list"
)

// DefaultTTL is how long a new session lives: 30 days.
const DefaultTTL = 30 * 24 * time.Hour

// Store persists sessions in a KeyValueStore and keeps the master-list
// index consistent. Opening a store garbage-collects expired and corrupt
// entries, so a client never starts against a stale index; reads prune
// lazily after that.
//
// Store is safe for concurrent use.
type Store struct {
	kv    storage.KeyValueStore
	clock TimeProvider
	log   *logrus.Logger

	mu sync.Mutex // guards master-list read-modify-write
}

// OpenStore opens a session store over kv and collects expired sessions
// before returning.
func OpenStore(ctx context.Context, kv storage.KeyValueStore) (*Store, error) {
	return OpenStoreWith(ctx, kv, nil, nil)
}

// OpenStoreWith is OpenStore with an explicit clock and logger. Pass nil
// for either to use the defaults.
func OpenStoreWith(ctx context.Context, kv storage.KeyValueStore, clock TimeProvider, log *logrus.Logger) (*Store, error) {
	if clock == nil {
		clock = DefaultTimeProvider{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	st := &Store{kv: kv, clock: clock, log: log}

	removed, err := st.collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect expired sessions: %w", err)
	}
	if removed > 0 {
		st.log.WithFields(logrus.Fields{
			"component": "session_store",
			"removed":   removed,
		}).Info("Collected dead sessions")
	}
	return st, nil
}

// Set persists s and indexes it. Saving a session that is already expired,
// or one with malformed keys, fails with SESSION_SAVE_FAILED semantics and
// writes nothing.
func (st *Store) Set(ctx context.Context, s *Session) error {
	if s == nil {
		return fmt.Errorf("nil session: %w", protocol.ErrSessionSaveFailed)
	}
	if s.ExpiresAt <= st.clock.Now().UnixMilli() {
		return fmt.Errorf("session %s expiry %d already passed: %w", s.ID, s.ExpiresAt, protocol.ErrSessionSaveFailed)
	}

	encoded, err := s.encode()
	if err != nil {
		return err
	}
	if err := st.kv.Set(ctx, recordKeyPrefix+s.ID, encoded); err != nil {
		return fmt.Errorf("failed to persist session %s: %w: %w", s.ID, protocol.ErrSessionSaveFailed, err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	ids, err := st.loadIndex(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == s.ID {
			metrics.SessionsSaved.Inc()
			return nil
		}
	}
	if err := st.saveIndex(ctx, append(ids, s.ID)); err != nil {
		return fmt.Errorf("failed to index session %s: %w: %w", s.ID, protocol.ErrSessionSaveFailed, err)
	}

	metrics.SessionsSaved.Inc()
	return nil
}

// Get returns the session stored under id, or nil without error when no
// live session exists. Expired and corrupt records are deleted on the way
// out; distinguishing "absent" from "just expired" is deliberately not
// possible.
func (st *Store) Get(ctx context.Context, id string) (*Session, error) {
	value, ok, err := st.kv.Get(ctx, recordKeyPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}

	s, err := decodeSession(value)
	if err != nil {
		st.log.WithFields(logrus.Fields{
			"component": "session_store",
			"session":   id,
		}).WithError(err).Warn("Dropping corrupt session record")
		st.drop(ctx, id)
		return nil, nil
	}

	if s.Expired(st.clock.Now()) {
		st.drop(ctx, id)
		metrics.SessionsExpired.Inc()
		st.log.WithFields(logrus.Fields{
			"component": "session_store",
			"session":   id,
		}).Info("Session expired")
		return nil, nil
	}
	return s, nil
}

// List returns every live session. Dead entries encountered along the way
// are pruned.
func (st *Store) List(ctx context.Context) ([]*Session, error) {
	st.mu.Lock()
	ids, err := st.loadIndex(ctx)
	st.mu.Unlock()
	if err != nil {
		return nil, err
	}

	live := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := st.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if s != nil {
			live = append(live, s)
		}
	}
	return live, nil
}

// Delete removes the session stored under id. Deleting an absent session
// succeeds.
func (st *Store) Delete(ctx context.Context, id string) error {
	if err := st.kv.Delete(ctx, recordKeyPrefix+id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.removeFromIndex(ctx, id)
}

// collect sweeps the master list once, removing expired, corrupt, and
// vanished entries. It reports how many it removed.
func (st *Store) collect(ctx context.Context) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	ids, err := st.loadIndex(ctx)
	if err != nil {
		return 0, err
	}

	now := st.clock.Now()
	kept := ids[:0]
	removed := 0
	for _, id := range ids {
		value, ok, err := st.kv.Get(ctx, recordKeyPrefix+id)
		if err != nil {
			return removed, fmt.Errorf("failed to read session %s: %w", id, err)
		}
		if !ok {
			removed++
			continue
		}
		s, err := decodeSession(value)
		if err != nil || s.Expired(now) {
			if err == nil {
				metrics.SessionsExpired.Inc()
			}
			if delErr := st.kv.Delete(ctx, recordKeyPrefix+id); delErr != nil {
				return removed, fmt.Errorf("failed to delete session %s: %w", id, delErr)
			}
			removed++
			continue
		}
		kept = append(kept, id)
	}

	if removed == 0 {
		return 0, nil
	}
	if err := st.saveIndex(ctx, kept); err != nil {
		return removed, err
	}
	return removed, nil
}

// drop removes a record and its index entry, logging rather than failing:
// drop runs on read paths where the caller's answer is already "no session".
func (st *Store) drop(ctx context.Context, id string) {
	if err := st.kv.Delete(ctx, recordKeyPrefix+id); err != nil {
		st.log.WithField("session", id).WithError(err).Warn("Failed to delete session record")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.removeFromIndex(ctx, id); err != nil {
		st.log.WithField("session", id).WithError(err).Warn("Failed to prune session index")
	}
}

// loadIndex reads the master list. Callers hold st.mu.
func (st *Store) loadIndex(ctx context.Context) ([]string, error) {
	value, ok, err := st.kv.Get(ctx, masterListKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(value), &ids); err != nil {
		st.log.WithError(err).Warn("Session index corrupt, resetting")
		return nil, nil
	}
	return ids, nil
}

// saveIndex writes the master list. Callers hold st.mu.
func (st *Store) saveIndex(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		if err := st.kv.Delete(ctx, masterListKey); err != nil {
			return fmt.Errorf("failed to clear session index: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to encode session index: %w", err)
	}
	if err := st.kv.Set(ctx, masterListKey, string(data)); err != nil {
		return fmt.Errorf("failed to write session index: %w", err)
	}
	return nil
}

// removeFromIndex drops id from the master list. Callers hold st.mu.
func (st *Store) removeFromIndex(ctx context.Context, id string) error {
	ids, err := st.loadIndex(ctx)
	if err != nil {
		return err
	}
	kept := ids[:0]
	found := false
	for _, existing := range ids {
		if existing == id {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		return nil
	}
	return st.saveIndex(ctx, kept)
}
