// Package session tracks live schedule connections: who is connected, which
// week each client is viewing, and who receives each response.
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jw6ventures/orca/internal/week"
)

// Conn is the outbound half of a client transport.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// Transport is a full client connection. Inbox is closed when the client
// goes away.
type Transport interface {
	Conn
	Inbox() <-chan []byte
}

// sendQueueSize bounds the responses waiting for one client.
const sendQueueSize = 64

var (
	// ErrSlowConsumer is returned by Send when the client's queue is full.
	ErrSlowConsumer = errors.New("client send queue is full")
	// ErrSessionClosed is returned by Send after the session was torn down.
	ErrSessionClosed = errors.New("session closed")
)

// State is a session's lifecycle position.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client bound to one schedule.
type Session struct {
	clientID   string
	scheduleID string
	conn       Conn

	mu         sync.RWMutex
	targetWeek time.Time
	state      State

	closeOnce sync.Once

	queueMu     sync.Mutex
	queue       chan []byte
	queueClosed bool
	drained     chan struct{}
	deliveryErr error
	dropped     atomic.Bool
}

func newSession(clientID, scheduleID string, conn Conn, targetWeek time.Time) *Session {
	s := &Session{
		clientID:   clientID,
		scheduleID: scheduleID,
		conn:       conn,
		targetWeek: week.Start(targetWeek),
		state:      StateConnecting,
		queue:      make(chan []byte, sendQueueSize),
		drained:    make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Session) ClientID() string   { return s.clientID }
func (s *Session) ScheduleID() string { return s.scheduleID }

func (s *Session) TargetWeek() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.targetWeek
}

// SetTargetWeek moves the viewport to the week containing t.
func (s *Session) SetTargetWeek(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetWeek = week.Start(t)
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = state
}

// Send queues payload for the client and returns without waiting for
// delivery, so a stalled client never blocks the caller.
func (s *Session) Send(payload []byte) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if s.queueClosed {
		return ErrSessionClosed
	}
	select {
	case s.queue <- payload:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// pump delivers queued payloads in order. After the first transport error
// the rest are discarded.
func (s *Session) pump() {
	defer close(s.drained)
	var failed bool
	for payload := range s.queue {
		if failed {
			continue
		}
		if err := s.conn.Send(payload); err != nil {
			failed = true
			s.queueMu.Lock()
			s.deliveryErr = err
			s.queueMu.Unlock()
		}
	}
}

// closeQueue stops accepting payloads and waits up to timeout for the
// queued ones to reach the transport. It reports whether the queue drained
// and the first delivery error.
func (s *Session) closeQueue(timeout time.Duration) (bool, error) {
	s.queueMu.Lock()
	if !s.queueClosed {
		s.queueClosed = true
		close(s.queue)
	}
	s.queueMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	drained := true
	select {
	case <-s.drained:
	case <-timer.C:
		drained = false
	}

	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return drained, s.deliveryErr
}
