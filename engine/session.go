package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scriptbook/scriptbook/engine/proc"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateKilled   State = "killed"
	StateErrored  State = "errored"
)

// Terminal reports whether no transition leaves this state.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateKilled || s == StateErrored
}

// subscriberSlack is extra channel capacity beyond the replay buffer so live
// events rarely block the publisher.
const subscriberSlack = 64

// Session is one execution of a script block, bound to one identifier. It is
// created by the Registry and owns its proc.Handle for the whole run.
type Session struct {
	Identifier string
	RunID      string
	StartedAt  time.Time

	log     *zap.SugaredLogger
	spawner proc.Spawner
	spec    proc.Spec
	timeout time.Duration

	mu            sync.Mutex
	state         State
	handle        proc.Handle
	stopRequested bool
	timedOut      bool

	subMu     sync.Mutex
	ring      *ringBuffer
	subs      map[int]*Subscription
	nextSubID int

	onTerminal func(*Session)
	done       chan struct{}
}

func newSession(log *zap.SugaredLogger, identifier string, spawner proc.Spawner, spec proc.Spec, replayCapacity int, timeout time.Duration) *Session {
	runID := uuid.NewString()
	return &Session{
		Identifier: identifier,
		RunID:      runID,
		StartedAt:  time.Now().UTC(),
		log:        log.Named("session").With("identifier", identifier, "run_id", runID),
		spawner:    spawner,
		spec:       spec,
		timeout:    timeout,
		state:      StateStarting,
		ring:       newRingBuffer(replayCapacity),
		subs:       map[int]*Subscription{},
		done:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.Debugf("state -> %s", st)
}

// Done returns a channel closed after the terminal event has been published
// and the session removed from its registry.
func (s *Session) Done() <-chan struct{} { return s.done }

// run drives the session to a terminal state. It is the session's only
// goroutine: it spawns the process, drains its output in arrival order, and
// publishes exactly one terminal event.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if s.onTerminal != nil {
			s.onTerminal(s)
		}
	}()

	handle, err := s.spawner.Spawn(ctx, s.spec)
	if err != nil {
		s.log.Debugf("spawn failed: %s", err)
		s.setState(StateErrored)
		s.publish(errorEvent(err.Error()))
		return
	}

	s.mu.Lock()
	s.handle = handle
	stopped := s.stopRequested
	if !stopped {
		s.state = StateRunning
	}
	s.mu.Unlock()
	if stopped {
		// A stop raced the spawn; kill immediately rather than letting the
		// process run unobserved.
		if err := handle.Kill(); err != nil {
			s.log.Warnf("killing process after raced stop: %s", err)
		}
	}

	if s.timeout > 0 {
		timer := time.AfterFunc(s.timeout, func() {
			s.mu.Lock()
			s.timedOut = true
			s.mu.Unlock()
			if err := handle.Kill(); err != nil {
				s.log.Warnf("killing timed-out process: %s", err)
			}
		})
		defer timer.Stop()
	}

	for chunk := range handle.Output() {
		stream := EventStdout
		if chunk.Stream == proc.Stderr {
			stream = EventStderr
		}
		s.publish(stdoutEvent(stream, chunk.Bytes))
	}

	// Output is closed, so the streams are at EOF and the process is being
	// reaped; this does not block long.
	st, err := handle.Wait(context.Background())
	if err != nil {
		s.setState(StateErrored)
		s.publish(errorEvent(fmt.Sprintf("waiting for process: %s", err)))
		return
	}

	s.mu.Lock()
	stopped = s.stopRequested
	timedOut := s.timedOut
	s.mu.Unlock()

	switch {
	case stopped:
		s.setState(StateKilled)
		s.publish(exitEvent(st.ExitCode, true))
	case timedOut:
		s.setState(StateErrored)
		s.publish(errorEvent(fmt.Sprintf("execution timed out after %s", s.timeout)))
	case st.Signaled:
		// Killed by something outside the engine (OOM killer, manual kill).
		s.setState(StateErrored)
		s.publish(errorEvent(fmt.Sprintf("process terminated by signal (exit code %d)", st.ExitCode)))
	default:
		s.setState(StateFinished)
		s.publish(exitEvent(st.ExitCode, false))
	}
	s.log.Debugw("session finished", "ExitCode", st.ExitCode, "TimeMS", st.TimeMS, "Stopped", stopped)
}

// HandleInput forwards an input event to the process. Input arriving after
// the process has exited is dropped with a warning, never an error.
func (s *Session) HandleInput(ev InputEvent) error {
	switch ev.Kind {
	case InputStop:
		s.Stop()
		return nil
	case InputStdin:
		s.mu.Lock()
		handle := s.handle
		s.mu.Unlock()
		if handle == nil {
			s.log.Warnf("dropping %d stdin bytes sent before process start", len(ev.Data))
			return nil
		}
		err := handle.WriteStdin(ev.Data)
		if errors.Is(err, proc.ErrStdinClosed) {
			s.log.Warnf("dropping %d stdin bytes sent after process exit", len(ev.Data))
			return nil
		}
		return err
	case InputResize:
		s.mu.Lock()
		handle := s.handle
		s.mu.Unlock()
		if handle == nil {
			return nil
		}
		if err := handle.Resize(ev.Rows, ev.Cols); err != nil {
			s.log.Warnf("resize to %dx%d failed: %s", ev.Rows, ev.Cols, err)
		}
		return nil
	}
	return fmt.Errorf("unknown input kind %d", ev.Kind)
}

// Stop requests termination of the process. It returns immediately; observe
// Done() for completion. Idempotent, and a no-op once the session is
// terminal.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopRequested || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.stopRequested = true
	handle := s.handle
	s.mu.Unlock()

	s.log.Debug("stop requested")
	if handle != nil {
		if err := handle.Kill(); err != nil {
			s.log.Warnf("killing process: %s", err)
		}
	}
}

// Subscription delivers a session's events: first a replay of buffered
// output, then live events. The channel is closed after the terminal event.
type Subscription struct {
	ch         chan OutputEvent
	cancel     chan struct{}
	cancelOnce sync.Once
	closeOnce  sync.Once
}

// Events returns the event channel.
func (sub *Subscription) Events() <-chan OutputEvent { return sub.ch }

// Cancel detaches the subscription. Safe to call multiple times and
// concurrently with event delivery.
func (sub *Subscription) Cancel() {
	sub.cancelOnce.Do(func() { close(sub.cancel) })
}

func (sub *Subscription) closeEvents() {
	sub.closeOnce.Do(func() { close(sub.ch) })
}

// Subscribe attaches a new consumer. Buffered events are replayed before any
// live event; if the session is already terminal the channel is closed right
// after the replay.
func (s *Session) Subscribe() *Subscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	sub := &Subscription{
		ch:     make(chan OutputEvent, s.ring.capacity+subscriberSlack),
		cancel: make(chan struct{}),
	}

	terminal := false
	for _, ev := range s.ring.Snapshot() {
		sub.ch <- ev
		if ev.Terminal() {
			terminal = true
		}
	}
	if terminal {
		sub.closeEvents()
		return sub
	}

	s.nextSubID++
	s.subs[s.nextSubID] = sub
	return sub
}

// publish records an event and fans it out to subscribers in order. Delivery
// blocks on a slow subscriber rather than dropping output; a subscriber that
// stops reading must Cancel to release the publisher.
func (s *Session) publish(ev OutputEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.ring.Write(ev)
	for id, sub := range s.subs {
		select {
		case sub.ch <- ev:
		case <-sub.cancel:
			delete(s.subs, id)
			sub.closeEvents()
		}
	}
	if ev.Terminal() {
		for id, sub := range s.subs {
			delete(s.subs, id)
			sub.closeEvents()
		}
	}
}
