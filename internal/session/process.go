package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wishbridge/internal/protocol"
)

// preamble loads Tk, turns window-manager close requests into an exit frame,
// and defines the procedure font dialogs call to report a chosen font.
var preamble = []string{
	"package require Tk",
	"wm protocol . WM_DELETE_WINDOW { puts stdout {exit} ; flush stdout }",
	"proc font_choice {w font args} { set res {font } ; append res [font actual $font] ; puts $res ; flush stdout }",
}

// stdinWriter wraps the runtime's input with a buffer and mutex protection.
type stdinWriter struct {
	mu     sync.Mutex
	writer io.WriteCloser
	buf    *bufio.Writer
	closed atomic.Bool
}

func newStdinWriter(w io.WriteCloser) *stdinWriter {
	return &stdinWriter{writer: w, buf: bufio.NewWriter(w)}
}

func (sw *stdinWriter) Write(data string, flush bool) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed.Load() {
		return fmt.Errorf("stdin pipe closed")
	}
	if _, err := sw.buf.WriteString(data); err != nil {
		return err
	}
	if flush {
		return sw.buf.Flush()
	}
	return nil
}

// Close does not take the write lock so that a write blocked on a full pipe
// is released by closing the underlying stream.
func (sw *stdinWriter) Close() {
	if sw.closed.CompareAndSwap(false, true) {
		sw.writer.Close()
	}
}

// stdoutReader holds the runtime's output and closes it when the stream
// supports closing.
type stdoutReader struct {
	io.Reader
}

func (sr stdoutReader) Close() {
	if c, ok := sr.Reader.(io.Closer); ok {
		c.Close()
	}
}

// Start spawns the runtime with piped stdin and stdout and sends the preamble.
func Start(opts Options) (*Session, error) {
	opts = opts.withDefaults()

	if !active.CompareAndSwap(false, true) {
		return nil, ErrSessionActive
	}

	binaryPath, err := exec.LookPath(opts.Program)
	if err != nil {
		active.Store(false)
		return nil, fmt.Errorf("runtime %q not found in PATH: %w", opts.Program, err)
	}

	cmd := exec.Command(binaryPath, opts.Args...)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		active.Store(false)
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdinPipe.Close()
		active.Store(false)
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdinPipe.Close()
		active.Store(false)
		return nil, fmt.Errorf("failed to start %s: %w", opts.Program, err)
	}

	s := newSession(stdoutPipe, stdinPipe, opts)
	s.cmd = cmd
	s.log.Info("runtime started", zap.String("program", binaryPath), zap.Int("pid", cmd.Process.Pid))

	return s, s.launch(opts)
}

// Attach runs the bridge over existing streams: r carries runtime output and
// w receives commands. If r implements io.Closer it is closed on End.
func Attach(r io.Reader, w io.WriteCloser, opts Options) (*Session, error) {
	opts = opts.withDefaults()

	if !active.CompareAndSwap(false, true) {
		return nil, ErrSessionActive
	}

	s := newSession(r, w, opts)
	s.log.Info("runtime attached")

	return s, s.launch(opts)
}

func newSession(r io.Reader, w io.WriteCloser, opts Options) *Session {
	id := uuid.New().String()
	return &Session{
		id:          id,
		program:     opts.Program,
		startedAt:   time.Now().UTC(),
		log:         opts.Logger.With(zap.String("session", id)),
		commands:    make(chan string, opts.QueueSize),
		stdin:       newStdinWriter(w),
		stdout:      stdoutReader{r},
		ids:         NewIDAllocator(),
		callbacks:   NewRegistry(),
		history:     NewRingBuffer(opts.History),
		signal:      make(chan struct{}, 1),
		subscribers: make(map[string]chan protocol.Frame),
		done:        make(chan struct{}),
	}
}

// launch starts the writer and reader goroutines and queues the preamble.
func (s *Session) launch(opts Options) error {
	go s.writeLoop()
	go s.readLoop()

	if opts.NoPreamble {
		return nil
	}
	for _, line := range preamble {
		if err := s.Tell(line); err != nil {
			s.End()
			return fmt.Errorf("send preamble: %w", err)
		}
	}
	return nil
}

// writeLoop is the only goroutine that writes to the runtime. The buffer is
// flushed whenever the queue drains.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case cmd := <-s.commands:
			if err := s.stdin.Write(cmd, len(s.commands) == 0); err != nil {
				s.fail(fmt.Errorf("write command: %w", err))
				return
			}
		}
	}
}

// waitForExit reaps the child after the reader has stopped.
func (s *Session) waitForExit() {
	if s.cmd == nil {
		return
	}
	err := s.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	s.log.Info("runtime exited", zap.Int("exit_code", exitCode))
}

// End kills the runtime and releases the session. Pending Ask calls fail with
// ErrClosed and a running dispatch loop returns nil.
func (s *Session) End() error {
	s.close(nil)
	return nil
}

// fail closes the session with a fatal error unless it is already closed.
func (s *Session) fail(err error) {
	if s.isClosed() {
		return
	}
	s.log.Error("session failed", zap.Error(err))
	s.close(err)
}

func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.closed = true
		s.errMu.Unlock()

		close(s.done)
		if s.cmd != nil && s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		s.stdin.Close()
		s.stdout.Close()

		s.pendingMu.Lock()
		for _, ch := range s.pending {
			close(ch)
		}
		s.pending = nil
		s.pendingMu.Unlock()

		s.subMu.Lock()
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
		s.subMu.Unlock()

		active.Store(false)
		s.log.Info("session closed")
	})
}
