// Package ws wraps a gorilla websocket connection with buffered read and
// write loops, keepalive pings and a graceful close handshake.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

const (
	// pingInterval is the interval at which to send pings.
	pingInterval = 15 * time.Second
	// pongWait is the duration to wait for a pong response to a ping.
	pongWait = time.Minute
	// writeWait bounds a single frame write to the peer.
	writeWait = 10 * time.Second
	// closeWait bounds the close handshake and the final outbox flush.
	closeWait = 5 * time.Second
	// inboxBufferSize is the number of messages to read before applying backpressure.
	inboxBufferSize = 32
	// outboxBufferSize is the number of messages to write before applying backpressure.
	outboxBufferSize = 64
	// maxMessageSize is the largest inbound message accepted, in bytes.
	maxMessageSize = 1 << 20
)

var (
	// ErrClosed is returned by Send once the socket is closing or closed.
	ErrClosed = errors.New("websocket closed")
	// ErrSlowPeer is returned by Send when the outbox is full. The
	// connection is torn down.
	ErrSlowPeer = errors.New("websocket peer is not reading")
)

// Options tunes a Socket.
type Options struct {
	// IdleTimeout closes the connection after this long without an inbound
	// message. Zero disables it; pings alone do not count as activity.
	IdleTimeout time.Duration
	Logger      *logrus.Entry
}

// Socket is a thread-safe text message connection. Inbound messages arrive
// on Inbox, which is closed when the peer goes away.
type Socket struct {
	log         *logrus.Entry
	conn        *websocket.Conn
	idleTimeout time.Duration

	ctx        context.Context
	cancel     context.CancelFunc
	inbox      chan []byte
	outbox     chan []byte
	activity   chan struct{}
	flush      chan struct{}
	writerDone chan struct{}
	done       chan struct{}

	sendLock sync.RWMutex
	closing  bool

	errLock   sync.Mutex
	err       error
	closeOnce sync.Once
	closeErr  error
}

// Wrap starts the read and write loops on conn.
func Wrap(name string, conn *websocket.Conn, opts Options) *Socket {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Socket{
		log: log.WithFields(logrus.Fields{
			"component":   "websocket",
			"remote-addr": conn.RemoteAddr(),
			"name":        name,
		}),
		conn:        conn,
		idleTimeout: opts.IdleTimeout,
		ctx:         ctx,
		cancel:      cancel,
		inbox:       make(chan []byte, inboxBufferSize),
		outbox:      make(chan []byte, outboxBufferSize),
		activity:    make(chan struct{}, 1),
		flush:       make(chan struct{}),
		writerDone:  make(chan struct{}),
		done:        make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(s.writerDone)
		if err := s.runWriteLoop(); err != nil {
			s.setError(fmt.Errorf("write loop: %w", err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.runReadLoop(); err != nil {
			s.setError(fmt.Errorf("read loop: %w", err))
		}
	}()
	go func() {
		wg.Wait()
		close(s.done)
	}()

	return s
}

// Inbox yields raw inbound text messages.
func (s *Socket) Inbox() <-chan []byte { return s.inbox }

// Done is closed once both loops have exited.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Send queues payload for delivery without blocking. A full outbox means
// the peer stopped reading; the connection is dropped and ErrSlowPeer
// returned.
func (s *Socket) Send(payload []byte) error {
	s.sendLock.RLock()
	defer s.sendLock.RUnlock()
	if s.closing || s.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case s.outbox <- payload:
		return nil
	default:
	}
	s.log.Warn("outbox full, dropping connection")
	s.setError(ErrSlowPeer)
	s.cancel()
	// Unblocks the read loop and any write stuck on a full TCP buffer.
	_ = s.conn.Close()
	return ErrSlowPeer
}

// Error returns the first loop failure, if any. Errors from closing are excluded.
func (s *Socket) Error() error {
	s.errLock.Lock()
	defer s.errLock.Unlock()
	return s.err
}

// Close flushes queued messages, performs the close handshake and closes
// the underlying connection. Later calls return the first result.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.sendLock.Lock()
		s.closing = true
		s.sendLock.Unlock()

		close(s.flush)
		select {
		case <-s.writerDone:
		case <-time.After(closeWait):
			s.log.Debug("outbox flush timed out")
		}

		var err *multierror.Error
		if hErr := s.closeGraceful(); hErr != nil {
			err = multierror.Append(err, fmt.Errorf("gracefully closing: %w", hErr))
			if fErr := s.closeForced(); fErr != nil {
				err = multierror.Append(err, fmt.Errorf("forcibly closing: %w", fErr))
			}
		}
		s.log.Trace("socket closed")
		s.closeErr = err.ErrorOrNil()
	})
	return s.closeErr
}

func (s *Socket) runReadLoop() error {
	defer s.cancel()
	defer close(s.inbox)

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return fmt.Errorf("setting initial read deadline: %w", err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.log.WithError(err).Error("setting read deadline")
		}
		return nil
	})

	for {
		switch msgType, msg, err := s.conn.ReadMessage(); {
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			return nil
		case err != nil:
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading message: %w", err)
		case msgType != websocket.TextMessage && msgType != websocket.BinaryMessage:
			return fmt.Errorf("unexpected message type: %d", msgType)
		default:
			if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
				return fmt.Errorf("extending read deadline: %w", err)
			}
			select {
			case s.activity <- struct{}{}:
			default:
			}
			select {
			case s.inbox <- msg:
			case <-s.ctx.Done():
				// Closing; keep reading until the peer answers the close.
			}
		}
	}
}

func (s *Socket) runWriteLoop() error {
	defer s.cancel()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if s.idleTimeout > 0 {
		idleTimer = time.NewTimer(s.idleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	for {
		select {
		case msg := <-s.outbox:
			if done, err := s.write(msg); done || err != nil {
				return err
			}
		case <-s.flush:
			for {
				select {
				case msg := <-s.outbox:
					if done, err := s.write(msg); done || err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case <-s.activity:
			if idleTimer != nil {
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(s.idleTimeout)
			}
		case <-idle:
			s.log.Info("closing idle connection")
			deadline := time.Now().Add(closeWait)
			err := s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle timeout"), deadline)
			if err != nil && err != websocket.ErrCloseSent {
				return fmt.Errorf("sending idle close: %w", err)
			}
			// The read loop ends once the peer answers or the deadline passes.
			if err := s.conn.SetReadDeadline(deadline); err != nil {
				return fmt.Errorf("setting close deadline: %w", err)
			}
			return nil
		case <-ping.C:
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongWait))
			netErr, ok := err.(net.Error)
			switch {
			case ok && netErr.Timeout():
				continue
			case err == websocket.ErrCloseSent:
				return nil
			case err != nil:
				return fmt.Errorf("sending ping: %w", err)
			}
		case <-s.ctx.Done():
			return nil
		}
	}
}

// write sends one text frame. done reports that the peer already closed.
func (s *Socket) write(msg []byte) (done bool, err error) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return true, fmt.Errorf("setting write deadline: %w", err)
	}
	err = s.conn.WriteMessage(websocket.TextMessage, msg)
	switch {
	case err == websocket.ErrCloseSent:
		return true, nil
	case err != nil:
		return true, fmt.Errorf("writing message: %w", err)
	}
	return false, nil
}

func (s *Socket) closeGraceful() error {
	s.cancel()

	closeDeadline := time.Now().Add(closeWait)
	s.conn.SetPongHandler(nil)
	if err := s.conn.SetReadDeadline(closeDeadline); err != nil {
		return fmt.Errorf("setting read deadline: %w", err)
	}

	if err := s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "close called"),
		closeDeadline,
	); err != websocket.ErrCloseSent && err != nil {
		return fmt.Errorf("sending close: %w", err)
	}

	<-s.done
	if clErr := s.conn.Close(); clErr != nil {
		return fmt.Errorf("closing underlying conn: %w", clErr)
	}
	return nil
}

func (s *Socket) closeForced() error {
	s.cancel()
	err := s.conn.Close()
	<-s.done
	if err != nil {
		return fmt.Errorf("closing underlying conn: %w", err)
	}
	return nil
}

func (s *Socket) setError(err error) {
	s.errLock.Lock()
	defer s.errLock.Unlock()
	s.err = multierror.Append(s.err, err)
}
