package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scriptbook/scriptbook/engine/proc"
)

// ErrNoSession is returned when input or a stop targets an identifier with
// no live session. Late input after process exit is expected; callers should
// treat this as a warning.
var ErrNoSession = errors.New("no live session for identifier")

const defaultReplayCapacity = 1000

// Registry owns all live sessions and enforces at-most-one live session per
// identifier. It is the single source of truth for whether a script is
// running, independent of any transport connection.
type Registry struct {
	log            *zap.SugaredLogger
	spawner        proc.Spawner
	replayCapacity int
	execTimeout    time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

type RegistryOption func(r *Registry)

// WithReplayCapacity sets how many recent output events each session buffers
// for re-attaching subscribers.
func WithReplayCapacity(n int) RegistryOption {
	return func(r *Registry) {
		r.replayCapacity = n
	}
}

// WithExecTimeout caps script runtime. Zero means no limit.
func WithExecTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.execTimeout = d
	}
}

func NewRegistry(log *zap.SugaredLogger, spawner proc.Spawner, opts ...RegistryOption) *Registry {
	r := &Registry{
		log:            log.Named("registry"),
		spawner:        spawner,
		replayCapacity: defaultReplayCapacity,
		sessions:       map[string]*Session{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start creates a session for the identifier and begins executing spec. If a
// live session already exists for the identifier it is killed and its
// teardown awaited first, so two processes never run under one identifier,
// even when starts race.
func (r *Registry) Start(ctx context.Context, identifier string, spec proc.Spec) (*Session, error) {
	for {
		r.mu.Lock()
		cur, ok := r.sessions[identifier]
		if !ok {
			sess := newSession(r.log, identifier, r.spawner, spec, r.replayCapacity, r.execTimeout)
			sess.onTerminal = func(s *Session) { r.remove(identifier, s) }
			r.sessions[identifier] = sess
			r.mu.Unlock()
			go sess.run(ctx)
			return sess, nil
		}
		r.mu.Unlock()

		r.log.Debugw("replacing live session", "Identifier", identifier, "RunID", cur.RunID)
		cur.Stop()
		select {
		case <-cur.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// remove deletes the entry only if it still maps to s, so a terminating
// session never evicts its replacement.
func (r *Registry) remove(identifier string, s *Session) {
	r.mu.Lock()
	if r.sessions[identifier] == s {
		delete(r.sessions, identifier)
	}
	r.mu.Unlock()
}

// Get returns the live session for the identifier, if any.
func (r *Registry) Get(identifier string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[identifier]
	return s, ok
}

// List returns a snapshot of all live sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// DispatchInput routes an input event to the identifier's live session.
// Events for unknown identifiers are dropped and reported with ErrNoSession.
func (r *Registry) DispatchInput(identifier string, ev InputEvent) error {
	r.mu.Lock()
	sess, ok := r.sessions[identifier]
	r.mu.Unlock()
	if !ok {
		r.log.Warnw("dropping input for identifier with no live session", "Identifier", identifier, "Kind", ev.Kind.String())
		return ErrNoSession
	}
	return sess.HandleInput(ev)
}

// Stop requests termination of the identifier's live session.
func (r *Registry) Stop(identifier string) error {
	r.mu.Lock()
	sess, ok := r.sessions[identifier]
	r.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	sess.Stop()
	return nil
}

// TeardownAll kills every live session and waits for teardown. Used at
// shutdown so no child process outlives the engine.
func (r *Registry) TeardownAll(ctx context.Context) error {
	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	for _, s := range snapshot {
		s.Stop()
	}
	for _, s := range snapshot {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
