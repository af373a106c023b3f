// Package worldstore holds the authoritative world state of every session.
// Changes land only through ApplyDiff, which swaps in a fully validated copy.
package worldstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

var ErrUnknownSession = errors.New("no world state for session")

// Persister writes snapshots somewhere durable. Failures are logged, never
// rolled back.
type Persister interface {
	SaveSnapshot(ctx context.Context, sessionID string, ws *world.WorldState) error
	DeleteSnapshot(ctx context.Context, sessionID string) error
}

type Store struct {
	mu        sync.RWMutex
	worlds    map[string]*world.WorldState
	persister Persister
	logger    *slog.Logger
	now       func() time.Time
}

// New returns an empty store. persister may be nil.
func New(persister Persister, logger *slog.Logger) *Store {
	return &Store{
		worlds:    make(map[string]*world.WorldState),
		persister: persister,
		logger:    logger,
		now:       time.Now,
	}
}

// Init installs the initial world of a session, replacing any previous one.
func (s *Store) Init(ctx context.Context, sessionID string, ws *world.WorldState) error {
	if ws == nil {
		return fmt.Errorf("init %s: nil world state", sessionID)
	}
	stored := ws.Clone()

	s.mu.Lock()
	s.worlds[sessionID] = stored
	s.mu.Unlock()

	s.persist(ctx, sessionID, stored)
	return nil
}

func (s *Store) Has(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.worlds[sessionID]
	return ok
}

// Snapshot returns a deep copy of the current world.
func (s *Store) Snapshot(sessionID string) (*world.WorldState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.worlds[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return ws.Clone(), nil
}

// ApplyDiff applies d to a copy of the session's world and swaps it in only if
// every change validates. It returns a copy of the new world. On error the
// stored world is untouched and the error wraps world.ErrInvalidDiff.
func (s *Store) ApplyDiff(ctx context.Context, sessionID string, d *world.WorldDiff) (*world.WorldState, error) {
	s.mu.Lock()
	current, ok := s.worlds[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	next, err := world.ApplyCopy(current, d, s.now())
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("apply diff to %s: %w", sessionID, err)
	}
	s.worlds[sessionID] = next
	s.mu.Unlock()

	s.persist(ctx, sessionID, next)
	return next.Clone(), nil
}

// Delete drops the session's world and its persisted snapshot.
func (s *Store) Delete(ctx context.Context, sessionID string) {
	s.mu.Lock()
	delete(s.worlds, sessionID)
	s.mu.Unlock()

	if s.persister == nil {
		return
	}
	if err := s.persister.DeleteSnapshot(ctx, sessionID); err != nil {
		s.logger.Warn("Failed to delete world snapshot", "session_id", sessionID, "error", err)
	}
}

// Evict forgets the in-memory world but keeps any persisted snapshot, so the
// session can be restored later.
func (s *Store) Evict(sessionID string) {
	s.mu.Lock()
	delete(s.worlds, sessionID)
	s.mu.Unlock()
}

func (s *Store) persist(ctx context.Context, sessionID string, ws *world.WorldState) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveSnapshot(ctx, sessionID, ws); err != nil {
		s.logger.Warn("Failed to persist world snapshot", "session_id", sessionID, "error", err)
	}
}
