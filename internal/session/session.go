// Package session drives a long-lived GUI runtime (wish by default) over its
// standard input and output.
//
// A Session owns the child process. Commands go out through a single writer
// goroutine in submission order. A single reader goroutine owns the child's
// output: untagged lines answer pending Ask calls in FIFO order, and callback
// frames are queued for Run, which invokes the registered closures on the
// caller's goroutine.
//
// Registered callbacks are never removed automatically. Widgets that are
// destroyed on the runtime side leave their entries behind until Unregister is
// called.
package session

import (
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wishbridge/internal/protocol"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateActive     State = "active"
	StateRunning    State = "running"
	StateTerminated State = "terminated"
)

const (
	defaultProgram   = "wish"
	defaultQueueSize = 256
	defaultHistory   = 200
	subscriberBufCap = 100
)

var (
	// ErrSessionActive is returned when a session is started while another one is live.
	ErrSessionActive = errors.New("session: a session is already active")
	// ErrClosed is returned by operations on a terminated session.
	ErrClosed = errors.New("session: closed")
	// ErrRunning is returned when Run is called while a dispatch loop is active.
	ErrRunning = errors.New("session: dispatch loop already running")
)

// active guards the one-session-per-process rule.
var active atomic.Bool

// Options configures Start and Attach.
type Options struct {
	// Program is the runtime executable. Defaults to "wish".
	Program string
	Args    []string
	// QueueSize bounds the number of commands waiting for the writer.
	QueueSize int
	// NoPreamble skips the Tk setup commands sent at startup.
	NoPreamble bool
	// History is the number of recent callback frames kept for late subscribers.
	History int
	Logger  *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Program == "" {
		o.Program = defaultProgram
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.History <= 0 {
		o.History = defaultHistory
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Info is a snapshot of session metadata.
type Info struct {
	ID        string    `json:"id"`
	Program   string    `json:"program"`
	PID       int       `json:"pid,omitempty"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt"`
}

// Session is the single handle to a running runtime.
type Session struct {
	id        string
	program   string
	startedAt time.Time
	log       *zap.Logger

	cmd      *exec.Cmd
	commands chan string
	stdin    *stdinWriter
	stdout   stdoutReader

	ids       *IDAllocator
	callbacks *Registry
	history   *RingBuffer

	// askMu orders waiter registration with command submission.
	askMu     sync.Mutex
	pendingMu sync.Mutex
	pending   []chan string
	// exited is set once the runtime sends exit. No replies follow it.
	exited bool

	eventsMu sync.Mutex
	events   []protocol.Frame
	signal   chan struct{}

	subMu       sync.RWMutex
	subscribers map[string]chan protocol.Frame

	running   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	closed    bool
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Root returns the path of the runtime's top-level window.
func (s *Session) Root() string { return "." }

// Callbacks returns the session's callback registry.
func (s *Session) Callbacks() *Registry { return s.callbacks }

// Done is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that terminated the session, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Info returns a snapshot of session metadata.
func (s *Session) Info() Info {
	info := Info{
		ID:        s.id,
		Program:   s.program,
		State:     StateActive,
		StartedAt: s.startedAt,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		info.PID = s.cmd.Process.Pid
	}
	if s.running.Load() {
		info.State = StateRunning
	}
	if s.isClosed() {
		info.State = StateTerminated
	}
	return info
}

// NextID allocates a new widget path under parent.
func (s *Session) NextID(parent string) string { return s.ids.Next(parent) }

// NextVar allocates a new global Tcl variable name.
func (s *Session) NextVar() string { return s.ids.NextVar() }

// OnClick registers a no-argument callback.
func (s *Session) OnClick(key string, fn func()) { s.callbacks.OnClick(key, fn) }

// OnBool registers a boolean callback.
func (s *Session) OnBool(key string, fn func(bool)) { s.callbacks.OnBool(key, fn) }

// OnEvent registers a pointer/keyboard event callback.
func (s *Session) OnEvent(key string, fn func(protocol.Event)) { s.callbacks.OnEvent(key, fn) }

// OnFont registers a font-change callback. The runtime reports font changes
// under protocol.FontKey.
func (s *Session) OnFont(key string, fn func(string)) { s.callbacks.OnFont(key, fn) }

// Unregister removes every callback bound under key.
func (s *Session) Unregister(key string) { s.callbacks.Unregister(key) }

func (s *Session) isClosed() bool {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.closed
}
