package session

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"wishbridge/internal/protocol"
)

// pushEvent queues a frame for Run. It never blocks so the reader keeps
// serving Ask replies while callbacks execute.
func (s *Session) pushEvent(f protocol.Frame) {
	s.eventsMu.Lock()
	s.events = append(s.events, f)
	s.eventsMu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Session) takeEvents() []protocol.Frame {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	events := s.events
	s.events = nil
	return events
}

func (s *Session) hasEvents() bool {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	return len(s.events) > 0
}

// Run dispatches callback frames until the runtime sends exit or the session
// is ended, returning nil in both cases. Callbacks run on the calling
// goroutine, one at a time, in arrival order. A read or write failure ends
// the loop with that error.
func (s *Session) Run() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer s.running.Store(false)

	for {
		for _, f := range s.takeEvents() {
			if f.Kind == protocol.KindExit {
				s.log.Info("runtime requested exit")
				s.fanOut(f)
				s.close(nil)
				return nil
			}
			s.dispatch(f)
		}

		select {
		case <-s.signal:
		case <-s.done:
			if s.hasEvents() {
				continue
			}
			return s.Err()
		}
	}
}

func (s *Session) dispatch(f protocol.Frame) {
	s.record(f)

	if !s.callbacks.Dispatch(f) {
		s.log.Debug("no callback registered",
			zap.String("kind", f.Kind.String()),
			zap.String("key", f.Key))
	}
}

// record appends a frame to history and fans it out under subMu, so a
// subscriber sees each frame either in its history or on its channel.
func (s *Session) record(f protocol.Frame) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	s.history.Write(f)
	s.send(f)
}

// fanOut sends a frame to all subscribers.
func (s *Session) fanOut(f protocol.Frame) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	s.send(f)
}

// send requires subMu to be held.
func (s *Session) send(f protocol.Frame) {
	for _, ch := range s.subscribers {
		select {
		case ch <- f:
		default:
			// Subscriber channel full, drop the frame.
		}
	}
}

// Subscribe creates a channel that receives every callback frame dispatched
// by Run, plus the exit frame. It also returns the recent frame history.
// The channel is closed when the session terminates.
func (s *Session) Subscribe() (string, <-chan protocol.Frame, []protocol.Frame, error) {
	subID := uuid.New().String()
	ch := make(chan protocol.Frame, subscriberBufCap)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.isClosed() {
		return "", nil, nil, ErrClosed
	}
	history := s.history.ReadAll()
	s.subscribers[subID] = ch

	return subID, ch, history, nil
}

// Unsubscribe removes a subscriber.
func (s *Session) Unsubscribe(subID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if ch, exists := s.subscribers[subID]; exists {
		close(ch)
		delete(s.subscribers, subID)
	}
}
