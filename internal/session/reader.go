package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"wishbridge/internal/protocol"
)

// Tell queues cmd for the runtime. It blocks only while the command queue is
// full. Each command is written as one line.
func (s *Session) Tell(cmd string) error {
	select {
	case <-s.done:
		return s.closedErr()
	default:
	}

	select {
	case s.commands <- cmd + "\n":
		return nil
	case <-s.done:
		return s.closedErr()
	}
}

// Ask sends cmd and waits for the next untagged line from the runtime. The
// command itself must make the runtime print exactly one line, for example
// "puts [.e get] ; flush stdout".
func (s *Session) Ask(cmd string) (string, error) {
	return s.AskContext(context.Background(), cmd)
}

// AskContext is Ask with cancellation. A cancelled call still consumes its
// reply when the runtime eventually sends it so later replies stay matched.
func (s *Session) AskContext(ctx context.Context, cmd string) (string, error) {
	reply := make(chan string, 1)

	s.askMu.Lock()
	s.pendingMu.Lock()
	if s.exited || s.isClosed() {
		s.pendingMu.Unlock()
		s.askMu.Unlock()
		return "", s.closedErr()
	}
	s.pending = append(s.pending, reply)
	s.pendingMu.Unlock()

	err := s.Tell(cmd)
	if err != nil {
		s.dropWaiter(reply)
	}
	s.askMu.Unlock()
	if err != nil {
		return "", err
	}

	select {
	case text, ok := <-reply:
		if !ok {
			return "", s.closedErr()
		}
		return text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Source tells the runtime to evaluate a script file.
func (s *Session) Source(path string) error {
	return s.Tell("source " + protocol.Quote(path))
}

// dropWaiter removes a waiter whose command never reached the queue.
func (s *Session) dropWaiter(reply chan string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for i, ch := range s.pending {
		if ch == reply {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// readLoop is the only goroutine that reads the runtime's output. Lines are
// framed on '\n' with a growable buffer so long replies are never truncated.
func (s *Session) readLoop() {
	defer s.waitForExit()

	rd := bufio.NewReader(s.stdout)
	for {
		line, err := rd.ReadString('\n')
		if len(line) > 0 {
			if exit := s.handleLine(line); exit {
				return
			}
		}
		if err != nil {
			if s.isClosed() {
				return
			}
			if errors.Is(err, io.EOF) {
				s.fail(fmt.Errorf("runtime closed its output: %w", io.ErrUnexpectedEOF))
			} else {
				s.fail(fmt.Errorf("read error: %w", err))
			}
			return
		}
	}
}

// handleLine classifies one line and routes it. It reports whether the
// runtime asked to shut down.
func (s *Session) handleLine(line string) bool {
	f := protocol.Classify(line)
	switch f.Kind {
	case protocol.KindReply:
		s.deliverReply(f.Text)
		return false
	case protocol.KindExit:
		s.log.Debug("exit frame received")
		s.stopReplies()
		s.pushEvent(f)
		return true
	default:
		s.pushEvent(f)
		return false
	}
}

// deliverReply hands text to the oldest pending Ask.
func (s *Session) deliverReply(text string) {
	s.pendingMu.Lock()
	if len(s.pending) == 0 {
		s.pendingMu.Unlock()
		s.log.Debug("unsolicited reply", zap.String("text", text))
		return
	}
	ch := s.pending[0]
	s.pending = s.pending[1:]
	s.pendingMu.Unlock()

	ch <- text
}

// stopReplies fails every pending Ask once the reader stops, so a callback
// blocked in Ask returns and Run can reach the exit frame.
func (s *Session) stopReplies() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.exited = true
	for _, ch := range s.pending {
		close(ch)
	}
	s.pending = nil
}

func (s *Session) closedErr() error {
	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}
