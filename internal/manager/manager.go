// Package manager implements the Session Manager (spec.md §4.4): it
// multiplexes many concurrent session.Session FSMs, creating each lazily on
// first input via an injected ConfigFactory, routing SessionInput to the
// right session, and fanning every session's SessionOutput into one stream.
//
// Grounded on the teacher's internal/session/service.go Service type (one
// place owning session lifecycle plus a storage-backed lookup), narrowed to
// the spec's three-operation contract: push_message, outputs, terminate. The
// teacher's Service talked to internal/storage directly for every read;
// Manager instead holds each session's sender and subscription handle only,
// per spec.md §4.4 ("the manager stores only its input sender and
// subscription handle"), and defers persistence entirely to
// internal/persistence.
package manager

import (
	"context"
	"errors"
	"sync"

	"github.com/cowork-dev/cowork/internal/session"
	"github.com/cowork-dev/cowork/pkg/types"
)

// ErrNotFound is returned by operations on a session_id the manager has
// never lazily created (or has already terminated).
var ErrNotFound = errors.New("manager: session not found")

// ConfigFactory produces a session.Config for a lazily created session. It
// is a pure function of the session ID so that constructing a Manager never
// itself requires provider credentials or other session-scoped state
// (spec.md §4.4).
type ConfigFactory func(sessionID string) (session.Config, error)

// Output pairs a SessionOutput with the session it came from, matching
// spec.md §4.4's "stream of (SessionId, SessionOutput) pairs". The payload
// already carries SessionID (internal/bus stamps it on Publish); the pair
// form exists so callers don't need to reach into the payload for routing.
type Output struct {
	SessionID string
	Output    types.SessionOutput
}

// DefaultOutputBuffer bounds the manager's fan-in channel. A slow consumer
// of Outputs() does not block any individual session's own bus (that bus
// already drops on a full subscriber, per internal/bus); this buffer only
// absorbs bursts across many concurrently active sessions.
const DefaultOutputBuffer = 256

type entry struct {
	sess   *session.Session
	cancel context.CancelFunc
}

// Manager owns a set of lazily created sessions and fans their output
// streams into one channel. The zero value is not usable; construct with
// New.
type Manager struct {
	ctx     context.Context
	factory ConfigFactory

	mu       sync.RWMutex
	sessions map[string]*entry

	out  chan Output
	done chan struct{}
}

// New constructs a Manager. ctx bounds every session's lifetime: canceling
// it stops every running session's loop, the same as calling Terminate on
// each.
func New(ctx context.Context, factory ConfigFactory) *Manager {
	return &Manager{
		ctx:      ctx,
		factory:  factory,
		sessions: make(map[string]*entry),
		out:      make(chan Output, DefaultOutputBuffer),
		done:     make(chan struct{}),
	}
}

// PushMessage enqueues in for sessionID, creating the session lazily via
// ConfigFactory if this is the first input seen for it (spec.md §4.4).
// Returns whatever error the factory or the session's bounded input queue
// produces; a full queue surfaces as *session.ErrQueueFull rather than
// silently dropping in.
func (m *Manager) PushMessage(sessionID string, in types.SessionInput) error {
	e, err := m.getOrCreate(sessionID)
	if err != nil {
		return err
	}
	return e.sess.Push(in)
}

// getOrCreate returns the existing session entry for id, or constructs and
// starts a new one under the manager's lock.
func (m *Manager) getOrCreate(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.sessions[id]; ok {
		return e, nil
	}

	cfg, err := m.factory(id)
	if err != nil {
		return nil, err
	}
	cfg.ID = id

	sess := session.New(cfg)
	sessCtx, cancel := context.WithCancel(m.ctx)
	e := &entry{sess: sess, cancel: cancel}
	m.sessions[id] = e

	go sess.Loop(sessCtx)
	go m.relay(sess)

	return e, nil
}

// relay forwards one session's bus onto the manager's fan-in channel until
// the session reaches StateStopped or the manager is closed, then
// unsubscribes.
func (m *Manager) relay(sess *session.Session) {
	ch, _, unsubscribe := sess.Bus().Subscribe()
	defer unsubscribe()

	for {
		select {
		case out, ok := <-ch:
			if !ok {
				return
			}
			select {
			case m.out <- Output{SessionID: sess.ID(), Output: out}:
			case <-m.done:
				return
			}
		case <-sess.Stopped():
			return
		case <-m.done:
			return
		}
	}
}

// Outputs returns the manager's fan-in stream of every active session's
// output (spec.md §4.4's outputs()). The channel is never closed, not by
// session activity and not by Close.
func (m *Manager) Outputs() <-chan Output { return m.out }

// Terminate sends Stop to sessionID and removes it once the session
// confirms StateStopped (spec.md §4.4). Returns ErrNotFound for an unknown
// or already-terminated session, or the input queue's error if Stop itself
// could not be enqueued (the session is left running in that case, and
// Terminate may be retried).
func (m *Manager) Terminate(sessionID string) error {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	if err := e.sess.Push(types.SessionInput{Kind: types.InputStop}); err != nil {
		return err
	}

	<-e.sess.Stopped()

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	e.cancel()

	return nil
}

// Session returns the live session for id, for read-only inspection (e.g.
// Messages()/Parts() snapshots for internal/persistence). The second
// return is false if no session with that ID is currently active.
func (m *Manager) Session(id string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// ActiveSessions lists the IDs of every session currently held by the
// manager, in no particular order.
func (m *Manager) ActiveSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every active session's loop and the manager's own relay
// goroutines. It does not wait for each session to finish unwinding; callers
// that need a clean Stopped signal per session should Terminate them
// individually first.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	close(m.done)
	for id, e := range m.sessions {
		e.cancel()
		delete(m.sessions, id)
	}
}
