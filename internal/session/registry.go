package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwebster45206/bazaar-engine/internal/logger"
	"github.com/jwebster45206/bazaar-engine/internal/pipeline"
	"github.com/jwebster45206/bazaar-engine/internal/storage"
	"github.com/jwebster45206/bazaar-engine/internal/worldstore"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrRetired  = errors.New("session has been deleted")
	ErrClosed   = errors.New("session is closed")
)

// DefaultIdleTimeout applies when Config.IdleTimeout is zero.
const DefaultIdleTimeout = 30 * time.Minute

// SnapshotLoader restores sessions that are no longer in memory.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, sessionID string) (*storage.Snapshot, error)
}

// EventPublisher announces session lifecycle changes.
type EventPublisher interface {
	PublishSessionCreated(ctx context.Context, sessionID string) error
	PublishSessionDeleted(ctx context.Context, sessionID string) error
}

// HistoryPurger removes a deleted session's interaction history.
type HistoryPurger interface {
	DeleteSession(ctx context.Context, sessionID string) error
}

// Config wires a Registry. Pipeline is a template: SessionID, Outbox and
// Worlds are filled in per session.
type Config struct {
	Worlds      *worldstore.Store
	Pipeline    pipeline.Config
	Snapshots   SnapshotLoader // optional
	Events      EventPublisher // optional
	History     HistoryPurger  // optional
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// Registry maps session ids to live sessions. Deleted ids are retired and
// never reused.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	starting map[string]*startup
	retired  map[string]struct{}
}

// startup is a session whose world is being seeded outside r.mu. done is
// closed once s or err is set.
type startup struct {
	done chan struct{}
	s    *Session
	err  error
}

func (st *startup) wait(ctx context.Context) (*Session, error) {
	select {
	case <-st.done:
		return st.s, st.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Worlds == nil {
		return nil, errors.New("session registry: world store is required")
	}
	if cfg.Pipeline.Planner == nil {
		return nil, errors.New("session registry: planner is required")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
		starting: make(map[string]*startup),
		retired:  make(map[string]struct{}),
	}, nil
}

// Create starts a new session with a fresh bazaar.
func (r *Registry) Create(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	id := uuid.NewString()
	for r.takenLocked(id) {
		id = uuid.NewString()
	}
	st := r.beginLocked(id)
	r.mu.Unlock()

	s, err := r.start(ctx, id, st, nil)
	if err != nil {
		return nil, err
	}

	r.logger.Info("Session created", "session_id", id)
	r.publishCreated(ctx, id)
	return s, nil
}

// Get returns a live session, restoring it from its snapshot if needed.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	pending := r.starting[id]
	_, retired := r.retired[id]
	r.mu.RUnlock()
	switch {
	case ok:
		return s, nil
	case retired:
		return nil, ErrNotFound
	case pending != nil:
		return notFoundIfRetired(pending.wait(ctx))
	}

	snap, err := r.loadSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrNotFound
	}

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return s, nil
	}
	if _, ok := r.retired[id]; ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if pending := r.starting[id]; pending != nil {
		r.mu.Unlock()
		return notFoundIfRetired(pending.wait(ctx))
	}
	st := r.beginLocked(id)
	r.mu.Unlock()

	return notFoundIfRetired(r.start(ctx, id, st, snap.World))
}

// notFoundIfRetired maps a session deleted mid-start to ErrNotFound, which is
// what Get reports for deleted ids.
func notFoundIfRetired(s *Session, err error) (*Session, error) {
	if errors.Is(err, ErrRetired) {
		return nil, ErrNotFound
	}
	return s, err
}

// Attach is get-or-create for the transport: an id the server never issued is
// adopted so offline clients keep their local id. Deleted ids are refused.
func (r *Registry) Attach(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("attach: %w", ErrNotFound)
	}
	s, err := r.Get(ctx, id)
	switch {
	case err == nil:
		return s, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.retired[id]; ok {
		r.mu.Unlock()
		return nil, ErrRetired
	}
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return s, nil
	}
	if pending := r.starting[id]; pending != nil {
		r.mu.Unlock()
		return pending.wait(ctx)
	}
	st := r.beginLocked(id)
	r.mu.Unlock()

	s, err = r.start(ctx, id, st, nil)
	if err != nil {
		return nil, err
	}

	r.logger.Info("Session adopted from client id", "session_id", id)
	r.publishCreated(ctx, id)
	return s, nil
}

// Delete ends a session for good. Unknown ids return ErrNotFound.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	_, retired := r.retired[id]
	_, pending := r.starting[id]
	if retired {
		r.mu.Unlock()
		return ErrNotFound
	}
	// A session still starting is retired now and discarded by its start.
	if !ok && !pending {
		r.mu.Unlock()
		// A session evicted from memory can still have a snapshot.
		snap, err := r.loadSnapshot(ctx, id)
		if err != nil {
			return err
		}
		if snap == nil {
			return ErrNotFound
		}
		r.mu.Lock()
		if _, ok := r.retired[id]; ok {
			r.mu.Unlock()
			return ErrNotFound
		}
		s = r.sessions[id]
	}
	delete(r.sessions, id)
	r.retired[id] = struct{}{}
	r.mu.Unlock()

	if s != nil {
		s.close("session deleted")
	}
	r.cfg.Worlds.Delete(ctx, id)
	if r.cfg.History != nil {
		if err := r.cfg.History.DeleteSession(ctx, id); err != nil {
			r.logger.Warn("Failed to delete session history", "session_id", id, "error", err)
		}
	}

	r.logger.Info("Session deleted", "session_id", id)
	if r.cfg.Events != nil {
		if err := r.cfg.Events.PublishSessionDeleted(ctx, id); err != nil {
			r.logger.Warn("Failed to publish session deletion", "session_id", id, "error", err)
		}
	}
	return nil
}

// Len returns the number of sessions in memory.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Run reaps idle sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Reap(); n > 0 {
				r.logger.Info("Reaped idle sessions", "count", n)
			}
		}
	}
}

// Reap closes disconnected sessions idle for longer than the idle timeout.
// Their snapshots are kept, so a returning client is restored.
func (r *Registry) Reap() int {
	cutoff := r.now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var idle []*Session
	for id, s := range r.sessions {
		if !s.Connected() && s.LastActive().Before(cutoff) {
			idle = append(idle, s)
			delete(r.sessions, id)
			r.cfg.Worlds.Evict(id)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.close("idle timeout")
	}
	return len(idle)
}

// Close ends every session without retiring them, for shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.close("server shutting down")
	}
}

func (r *Registry) takenLocked(id string) bool {
	_, live := r.sessions[id]
	_, pending := r.starting[id]
	_, retired := r.retired[id]
	return live || pending || retired
}

// beginLocked reserves id for start. r.mu must be held.
func (r *Registry) beginLocked(id string) *startup {
	st := &startup{done: make(chan struct{})}
	r.starting[id] = st
	return st
}

// start seeds the world (or restores ws) and builds the pipeline without
// holding r.mu, then registers the session unless it was deleted meanwhile.
func (r *Registry) start(ctx context.Context, id string, st *startup, ws *world.WorldState) (*Session, error) {
	s, err := r.build(ctx, id, ws)

	r.mu.Lock()
	delete(r.starting, id)
	_, retired := r.retired[id]
	if err == nil && !retired {
		r.sessions[id] = s
	}
	r.mu.Unlock()

	if err == nil && retired {
		s.close("session deleted")
		r.cfg.Worlds.Delete(ctx, id)
		s, err = nil, ErrRetired
	}
	st.s, st.err = s, err
	close(st.done)
	return s, err
}

func (r *Registry) build(ctx context.Context, id string, ws *world.WorldState) (*Session, error) {
	if ws == nil {
		ws = world.NewBazaar(r.now())
		mission := r.cfg.Pipeline.Planner.Initial()
		ws.CurrentMission = &mission
	}
	if err := r.cfg.Worlds.Init(ctx, id, ws); err != nil {
		return nil, fmt.Errorf("failed to seed world for %s: %w", id, err)
	}

	now := r.now()
	s := &Session{
		id:         id,
		createdAt:  now,
		worlds:     r.cfg.Worlds,
		logger:     logger.WithSession(r.logger, id),
		state:      StatePending,
		lastActive: now,
	}

	pc := r.cfg.Pipeline
	pc.SessionID = id
	pc.Outbox = s
	pc.Worlds = r.cfg.Worlds
	if pc.Logger == nil {
		pc.Logger = r.logger
	}
	p, err := pipeline.New(pc)
	if err != nil {
		r.cfg.Worlds.Evict(id)
		return nil, fmt.Errorf("failed to build pipeline for %s: %w", id, err)
	}
	s.pipeline = p
	return s, nil
}

func (r *Registry) loadSnapshot(ctx context.Context, id string) (*storage.Snapshot, error) {
	if r.cfg.Snapshots == nil {
		return nil, nil
	}
	snap, err := r.cfg.Snapshots.LoadSnapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to restore session %s: %w", id, err)
	}
	if snap != nil {
		r.logger.Info("Restoring session from snapshot", "session_id", id, "saved_at", snap.SavedAt)
	}
	return snap, nil
}

func (r *Registry) publishCreated(ctx context.Context, id string) {
	if r.cfg.Events == nil {
		return
	}
	if err := r.cfg.Events.PublishSessionCreated(ctx, id); err != nil {
		r.logger.Warn("Failed to publish session creation", "session_id", id, "error", err)
	}
}
