// Package session implements the per-session FSM loop described in
// spec.md §4.3: a single conversation's state machine from a fresh
// SessionInput through streaming, tool gating, and execution, publishing
// SessionOutput on its own internal/bus.Bus.
//
// Session itself only holds state; loop.go runs it.
package session

import (
	"sync"

	"github.com/cowork-dev/cowork/internal/approval"
	"github.com/cowork-dev/cowork/internal/bus"
	"github.com/cowork-dev/cowork/internal/provider"
	"github.com/cowork-dev/cowork/internal/tool"
	"github.com/cowork-dev/cowork/pkg/types"
)

// State names the FSM states from spec.md §4.3.
type State string

const (
	StateIdle             State = "idle"
	StateStreaming        State = "streaming"
	StateGating           State = "gating"
	StateAwaitingApproval State = "awaiting_approval"
	StateExecuting        State = "executing"
	StateStopped          State = "stopped"
)

// pendingCall is one tool call awaited between Gating and Executing: the
// assistant announced it mid-turn, and it sits here until either approved
// (by grant or explicit ApproveTool) or rejected.
type pendingCall struct {
	call   types.ToolCall
	status types.ToolStatus
}

// Config configures a Session's dependencies. Every field is required
// except Tools, which may be a narrower per-session view of the registry.
type Config struct {
	ID         string
	WorkDir    string
	ProviderID string
	ModelID    string
	SystemText string

	Provider provider.Provider
	Tools    *tool.Registry
	Policy   *approval.Policy

	// ParallelDegree bounds how many parallel_safe tool calls may run
	// concurrently in one Executing phase (spec.md §4.3 step 6).
	ParallelDegree int
}

// Session holds one conversation's FSM state. Owned by a Manager; the Loop
// method runs its lifecycle to completion. All mutable state is protected
// by mu since input is fed from one goroutine while readers (status
// queries) may run from another.
type Session struct {
	cfg Config
	bus *bus.Bus

	mu       sync.Mutex
	state    State
	messages []*types.Message
	parts    map[string][]types.Part // messageID -> parts, ordered

	pending map[string]*pendingCall // callID -> pending, cleared each turn
	inputCh chan types.SessionInput

	stopped chan struct{}
	once    sync.Once
}

// DefaultQueueDepth is the bounded input channel's capacity (spec.md §4.4:
// "a bounded input queue"; QueueFull is returned, never a silent drop).
const DefaultQueueDepth = 32

// ErrQueueFull is returned by Push when the session's input queue is
// saturated.
type ErrQueueFull struct{ SessionID string }

func (e *ErrQueueFull) Error() string { return "session input queue full: " + e.SessionID }

// New constructs a Session in StateIdle with its own output bus. Call Loop
// in a goroutine to run it.
func New(cfg Config) *Session {
	if cfg.ParallelDegree <= 0 {
		cfg.ParallelDegree = 4
	}
	return &Session{
		cfg:     cfg,
		bus:     bus.New(cfg.ID),
		state:   StateIdle,
		parts:   make(map[string][]types.Part),
		pending: make(map[string]*pendingCall),
		inputCh: make(chan types.SessionInput, DefaultQueueDepth),
		stopped: make(chan struct{}),
	}
}

// ID returns the session's identity.
func (s *Session) ID() string { return s.cfg.ID }

// Bus returns the session's output bus for subscribers.
func (s *Session) Bus() *bus.Bus { return s.bus }

// State reports the session's current FSM state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Push enqueues one input for the session's loop to consume. Returns
// ErrQueueFull rather than blocking or dropping when the queue is
// saturated (spec.md §4.4).
func (s *Session) Push(in types.SessionInput) error {
	select {
	case s.inputCh <- in:
		return nil
	default:
		return &ErrQueueFull{SessionID: s.cfg.ID}
	}
}

// Stopped reports whether the loop has reached StateStopped and returned.
func (s *Session) Stopped() <-chan struct{} { return s.stopped }

// Messages returns a snapshot of the session's ordered message log, used
// by internal/persistence to serialize the session.
func (s *Session) Messages() []*types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Parts returns a snapshot of the part map keyed by message ID.
func (s *Session) Parts() map[string][]types.Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]types.Part, len(s.parts))
	for k, v := range s.parts {
		cp := make([]types.Part, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// appendMessage records a message and its parts under the lock.
func (s *Session) appendMessage(msg *types.Message, parts []types.Part) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	if len(parts) > 0 {
		s.parts[msg.ID] = parts
	}
}

// Restore seeds a freshly constructed Session with a persisted message
// log, used when internal/manager lazily reloads a session from disk.
// Any tool-status carried in the snapshot is dropped: spec.md §4.5 treats
// every non-terminal tool status as Failed on reload, and restored
// sessions start with no pending calls, so there is nothing to restore
// into pending.
func (s *Session) Restore(messages []*types.Message, parts map[string][]types.Part) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, messages...)
	for k, v := range parts {
		s.parts[k] = v
	}
}
