package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/jw6ventures/orca/internal/metrics"
	"github.com/jw6ventures/orca/internal/protocol"
	"github.com/jw6ventures/orca/internal/schedule"
	"github.com/jw6ventures/orca/internal/store"
)

// ErrShuttingDown is returned by Connect once Shutdown has started.
var ErrShuttingDown = errors.New("hub is shutting down")

const (
	defaultFlushTimeout = 5 * time.Second
	// drainTimeout bounds how long a disconnect waits for queued responses.
	drainTimeout = 2 * time.Second
)

// Publisher receives successful mutations after they have been routed.
type Publisher interface {
	Publish(ctx context.Context, scheduleID string, resp protocol.Response) error
}

// Options configures a Hub. Zero values are usable.
type Options struct {
	FlushTimeout time.Duration
	Feed         Publisher
	Logger       *logrus.Entry
}

// Hub owns every live session of the process: it connects clients, runs
// their messages through the dispatcher, routes responses and tears
// sessions down.
type Hub struct {
	registry     *Registry
	tracker      *Tracker
	dispatcher   *schedule.Dispatcher
	feed         Publisher
	flushTimeout time.Duration
	log          *logrus.Entry

	mu      sync.Mutex
	closing bool
	serving sync.WaitGroup
}

func NewHub(st *store.Store, opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	return &Hub{
		registry:     NewRegistry(),
		tracker:      NewTracker(st, log),
		dispatcher:   schedule.NewDispatcher(schedule.NewEngine(st.Activities), log),
		feed:         opts.Feed,
		flushTimeout: opts.FlushTimeout,
		log:          log.WithField("component", "hub"),
	}
}

// Registry exposes the live sessions.
func (h *Hub) Registry() *Registry { return h.registry }

// Closing reports whether Shutdown has started.
func (h *Hub) Closing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

// Connect resolves the viewport for clientID, registers the session and
// pushes the activities of the resolved week. On failure the client has
// already been sent an error response and the caller should close conn.
func (h *Hub) Connect(ctx context.Context, scheduleID, clientID string, conn Conn) (*Session, error) {
	scheduleID, clientID = protocol.CanonicalID(scheduleID), protocol.CanonicalID(clientID)
	h.mu.Lock()
	closing := h.closing
	h.mu.Unlock()
	if closing {
		h.reject(conn, protocol.StatusServerError, time.Time{})
		return nil, ErrShuttingDown
	}

	log := h.log.WithFields(logrus.Fields{"schedule_id": scheduleID, "client_id": clientID})

	targetWeek, err := h.tracker.Resolve(ctx, clientID, scheduleID)
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			h.reject(conn, protocol.StatusNotFound, time.Time{})
			return nil, err
		}
		log.WithError(err).Error("resolve viewport")
		h.reject(conn, protocol.StatusServerError, time.Time{})
		return nil, err
	}

	s := newSession(clientID, scheduleID, conn, targetWeek)
	if err := h.registry.Register(s); err != nil {
		s.setState(StateClosed)
		_, _ = s.closeQueue(0)
		h.reject(conn, protocol.StatusInvalid, targetWeek)
		return nil, err
	}
	metrics.SessionOpened()
	s.setState(StateActive)
	log.WithField("target_week", targetWeek.Format(time.RFC3339)).Info("session connected")

	initial := h.dispatcher.Dispatch(ctx, scheduleID, s, protocol.Request{
		ClientID:   clientID,
		Action:     protocol.ActionGetWeek,
		TargetWeek: targetWeek,
	})
	h.send(s, initial)
	return s, nil
}

// Handle processes one inbound message from s to completion.
func (h *Hub) Handle(ctx context.Context, s *Session, raw []byte) {
	req, resp := h.dispatcher.Handle(ctx, s.scheduleID, s, raw)
	action := string(req.Action)
	if !req.Action.Valid() {
		action = "invalid"
	}
	metrics.ObserveMessage(action, int(resp.Status))

	if resp.Status != protocol.StatusSuccess || !resp.Action.Mutating() {
		h.send(s, resp)
		return
	}

	recipients := Recipients(h.registry.Snapshot(), s, resp)
	metrics.ObserveBroadcast(len(recipients))
	h.broadcast(recipients, resp)

	if h.feed != nil {
		if err := h.feed.Publish(ctx, s.scheduleID, resp); err != nil {
			h.log.WithError(err).WithField("schedule_id", s.scheduleID).Warn("publish change")
		}
	}
}

// Disconnect saves the session's bookmark and releases its registry slot.
// A failed save is logged and the slot is released anyway. Only the first
// call has any effect.
func (h *Hub) Disconnect(s *Session) {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		log := h.log.WithFields(logrus.Fields{"schedule_id": s.scheduleID, "client_id": s.clientID})

		ctx, cancel := context.WithTimeout(context.Background(), h.flushTimeout)
		defer cancel()
		if err := h.tracker.Persist(ctx, s); err != nil {
			metrics.BookmarkFlushFailed()
			log.WithError(err).Warn("bookmark flush failed")
		}

		if h.registry.Unregister(s) {
			metrics.SessionClosed()
		}
		drained, err := s.closeQueue(drainTimeout)
		if err != nil {
			log.WithError(err).Debug("delivering queued responses")
		} else if !drained {
			log.Debug("queued responses not delivered before close")
		}
		if err := s.conn.Close(); err != nil {
			log.WithError(err).Debug("close transport")
		}
		log.Info("session closed")
	})
}

// Serve runs a connection until the client leaves or ctx ends. Messages
// are handled one at a time in arrival order.
func (h *Hub) Serve(ctx context.Context, scheduleID, clientID string, t Transport) error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		h.reject(t, protocol.StatusServerError, time.Time{})
		return multierror.Append(ErrShuttingDown, t.Close()).ErrorOrNil()
	}
	h.serving.Add(1)
	h.mu.Unlock()
	defer h.serving.Done()

	s, err := h.Connect(ctx, scheduleID, clientID, t)
	if err != nil {
		if cerr := t.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
		return err
	}
	defer h.Disconnect(s)

	for {
		select {
		case raw, ok := <-t.Inbox():
			if !ok {
				return nil
			}
			h.Handle(ctx, s, raw)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown refuses new connections, disconnects every session and waits
// for their loops to return.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	var closing sync.WaitGroup
	for _, s := range h.registry.Snapshot() {
		closing.Add(1)
		go func(s *Session) {
			defer closing.Done()
			h.Disconnect(s)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		closing.Wait()
		h.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}
}

func (h *Hub) send(s *Session, resp protocol.Response) {
	payload, err := protocol.EncodeResponse(resp)
	if err != nil {
		h.log.WithError(err).Error("encode response")
		return
	}
	if err := h.registry.Unicast(s.clientID, payload); err != nil {
		h.sendFailed(s, err)
	}
}

func (h *Hub) broadcast(recipients []*Session, resp protocol.Response) {
	if len(recipients) == 0 {
		return
	}
	payload, err := protocol.EncodeResponse(resp)
	if err != nil {
		h.log.WithError(err).Error("encode response")
		return
	}
	var result *multierror.Error
	for _, r := range recipients {
		if err := r.Send(payload); err != nil {
			h.sendFailed(r, err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", r.clientID, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		h.log.WithError(err).Debug("broadcast partially failed")
	}
}

// sendFailed drops a client whose queue overflowed. The teardown runs on
// its own goroutine so the sender keeps going.
func (h *Hub) sendFailed(s *Session, err error) {
	if !errors.Is(err, ErrSlowConsumer) {
		h.log.WithError(err).WithField("client_id", s.clientID).Debug("send failed")
		return
	}
	if !s.dropped.CompareAndSwap(false, true) {
		return
	}
	h.log.WithFields(logrus.Fields{"schedule_id": s.scheduleID, "client_id": s.clientID}).Warn("dropping slow client")
	metrics.SlowClientDropped()
	go h.Disconnect(s)
}

func (h *Hub) reject(conn Conn, status protocol.Status, targetWeek time.Time) {
	resp := protocol.Response{Status: status, Action: protocol.ActionGetWeek, TargetWeek: targetWeek}
	payload, err := protocol.EncodeResponse(resp)
	if err != nil {
		return
	}
	if err := conn.Send(payload); err != nil {
		h.log.WithError(err).Debug("send rejection")
	}
}
