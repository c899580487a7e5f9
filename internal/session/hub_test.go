package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jw6ventures/orca/internal/protocol"
	"github.com/jw6ventures/orca/internal/store"
)

type recordingFeed struct {
	published []protocol.Response
}

func (f *recordingFeed) Publish(ctx context.Context, scheduleID string, resp protocol.Response) error {
	f.published = append(f.published, resp)
	return nil
}

func createMessage(t *testing.T, clientID string, targetWeek, start time.Time) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"id":          "req-" + clientID[:8],
		"client_id":   clientID,
		"action":      "POST",
		"target_week": targetWeek.Format(time.RFC3339),
		"activity": map[string]any{
			"title":          "Lunch",
			"start":          start.Format(time.RFC3339),
			"end":            start.Add(time.Hour).Format(time.RFC3339),
			"location":       "Baixa",
			"local_timezone": 0,
		},
	})
	require.NoError(t, err)
	return data
}

func connect(t *testing.T, h *Hub, scheduleID string) (*Session, *fakeTransport) {
	t.Helper()
	conn := newFakeTransport()
	s, err := h.Connect(context.Background(), scheduleID, uuid.NewString(), conn)
	require.NoError(t, err)
	return s, conn
}

func TestConnectEmptySchedulePushesInitialWeek(t *testing.T) {
	st := store.NewMemory()
	scheduleID := newSchedule(t, st, 0)
	h := NewHub(st, Options{})

	s, conn := connect(t, h, scheduleID)
	assert.Equal(t, StateActive, s.State())

	responses := conn.waitResponses(t, 1)
	assert.Equal(t, protocol.StatusSuccess, responses[0].Status)
	assert.Equal(t, protocol.ActionGetWeek, responses[0].Action)
	assert.True(t, responses[0].TargetWeek.Equal(week1))
	assert.Empty(t, responses[0].Activities)
}

func TestConnectUnknownScheduleIsNotFound(t *testing.T) {
	h := NewHub(store.NewMemory(), Options{})
	conn := newFakeTransport()

	_, err := h.Connect(context.Background(), uuid.NewString(), uuid.NewString(), conn)
	assert.ErrorIs(t, err, ErrScheduleNotFound)

	responses := conn.waitResponses(t, 1)
	assert.Equal(t, protocol.StatusNotFound, responses[0].Status)
	assert.Equal(t, 0, h.Registry().Len())
}

func TestConnectDuplicateClientIsRejected(t *testing.T) {
	st := store.NewMemory()
	scheduleID := newSchedule(t, st, 0)
	h := NewHub(st, Options{})

	first, _ := connect(t, h, scheduleID)
	conn := newFakeTransport()
	_, err := h.Connect(context.Background(), scheduleID, first.ClientID(), conn)
	assert.ErrorIs(t, err, ErrDuplicateClient)

	responses := conn.waitResponses(t, 1)
	assert.Equal(t, protocol.StatusInvalid, responses[0].Status)
	assert.Equal(t, 1, h.Registry().Len())
}

func TestOverlappingCreateOnlyAnswersRequester(t *testing.T) {
	st := store.NewMemory()
	scheduleID := newSchedule(t, st, 0)
	seedActivity(t, st, scheduleID, week1.Add(10*time.Hour), 0)
	feed := &recordingFeed{}
	h := NewHub(st, Options{Feed: feed})

	a, connA := connect(t, h, scheduleID)
	_, connB := connect(t, h, scheduleID)

	h.Handle(context.Background(), a, createMessage(t, a.ClientID(), week1, week1.Add(10*time.Hour+30*time.Minute)))

	respA := connA.waitResponses(t, 2)
	assert.Equal(t, protocol.StatusInvalid, respA[1].Status)
	assert.Len(t, connB.waitResponses(t, 1), 1, "other viewer only saw the initial push")
	assert.Empty(t, feed.published)
}

func TestCreateBroadcastsOnlyToSameWeek(t *testing.T) {
	st := store.NewMemory()
	scheduleID := newSchedule(t, st, 0)
	feed := &recordingFeed{}
	h := NewHub(st, Options{Feed: feed})

	a, connA := connect(t, h, scheduleID)
	b, connB := connect(t, h, scheduleID)
	b.SetTargetWeek(week2)
	c, connC := connect(t, h, scheduleID)

	h.Handle(context.Background(), a, createMessage(t, a.ClientID(), week1, week1.Add(12*time.Hour)))

	respA := connA.waitResponses(t, 2)
	assert.Equal(t, protocol.StatusSuccess, respA[1].Status)
	assert.Equal(t, protocol.ActionCreate, respA[1].Action)
	require.Len(t, respA[1].Activities, 1)
	assert.Equal(t, "Lunch", respA[1].Activities[0].Title)
	require.NotNil(t, respA[1].RequestID)

	assert.Len(t, connB.waitResponses(t, 1), 1)
	respC := connC.waitResponses(t, 2)
	assert.Equal(t, respA[1], respC[1])
	assert.True(t, c.TargetWeek().Equal(week1))

	require.Len(t, feed.published, 1)
	assert.Equal(t, protocol.ActionCreate, feed.published[0].Action)
}

func TestRequesterLeavesBroadcastWhenViewportMoves(t *testing.T) {
	st := store.NewMemory()
	scheduleID := newSchedule(t, st, 0)
	h := NewHub(st, Options{})

	a, connA := connect(t, h, scheduleID)
	b, connB := connect(t, h, scheduleID)
	b.SetTargetWeek(week2)

	// A is on week 1 but adds an activity landing in week 2.
	h.Handle(context.Background(), a, createMessage(t, a.ClientID(), week1, week2.Add(12*time.Hour)))

	assert.Len(t, connA.waitResponses(t, 1), 1)
	respB := connB.waitResponses(t, 2)
	assert.True(t, respB[1].TargetWeek.Equal(week2))
}

func TestStaleUpdateIsUnicast(t *testing.T) {
	st := store.NewMemory()
	scheduleID := newSchedule(t, st, 0)
	stored := seedActivity(t, st, scheduleID, week1.Add(2*time.Hour), 0)
	stored.Version = 1
	_, err := st.Activities.Update(context.Background(), stored, nil)
	require.NoError(t, err)
	h := NewHub(st, Options{})

	a, connA := connect(t, h, scheduleID)
	_, connB := connect(t, h, scheduleID)

	payload := protocol.FromStore(stored)
	payload.Version = 0
	payload.Title = "Late edit"
	data, err := json.Marshal(map[string]any{
		"client_id":   a.ClientID(),
		"action":      "PATCH",
		"target_week": week1.Format(time.RFC3339),
		"activity":    payload,
	})
	require.NoError(t, err)
	h.Handle(context.Background(), a, data)

	respA := connA.waitResponses(t, 2)
	assert.Equal(t, protocol.StatusExpired, respA[1].Status)
	require.Len(t, respA[1].Activities, 1)
	assert.Equal(t, 1, respA[1].Activities[0].Version)
	assert.Equal(t, "Seeded", respA[1].Activities[0].Title)
	assert.Len(t, connB.waitResponses(t, 1), 1)
}

func TestDisconnectSavesBookmarkWithActivityOffset(t *testing.T) {
	st := store.NewMemory()
	scheduleID := newSchedule(t, st, 2)
	seedActivity(t, st, scheduleID, week1.Add(5*time.Hour), -5)
	h := NewHub(st, Options{})

	s, conn := connect(t, h, scheduleID)
	require.True(t, s.TargetWeek().Equal(week1))

	h.Disconnect(s)
	h.Disconnect(s)

	b, err := st.Bookmarks.Get(context.Background(), s.ClientID(), scheduleID)
	require.NoError(t, err)
	assert.Equal(t, -5, b.TimezoneOffset)
	assert.True(t, b.WeekStart.Equal(week1))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, h.Registry().Len())
	assert.True(t, conn.isClosed())
}

func TestDisconnectReleasesSlotWhenFlushFails(t *testing.T) {
	mem := store.NewMemory()
	st := &store.Store{Schedules: mem.Schedules, Activities: mem.Activities, Bookmarks: failingBookmarks{}}
	scheduleID := newSchedule(t, mem, 0)

	logger, hook := test.NewNullLogger()
	h := NewHub(st, Options{Logger: logrus.NewEntry(logger)})
	s, _ := connect(t, h, scheduleID)

	h.Disconnect(s)
	assert.Equal(t, 0, h.Registry().Len())

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "bookmark flush failed" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestServeHandlesMessagesUntilInboxCloses(t *testing.T) {
	st := store.NewMemory()
	scheduleID := newSchedule(t, st, 0)
	h := NewHub(st, Options{})
	conn := newFakeTransport()
	clientID := uuid.NewString()

	done := make(chan error, 1)
	go func() { done <- h.Serve(context.Background(), scheduleID, clientID, conn) }()

	conn.inbox <- createMessage(t, clientID, week1, week1.Add(3*time.Hour))
	conn.waitResponses(t, 2)

	require.NoError(t, conn.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after inbox closed")
	}
	assert.Equal(t, 0, h.Registry().Len())

	_, err := st.Bookmarks.Get(context.Background(), clientID, scheduleID)
	assert.NoError(t, err)
}

func TestShutdownClosesSessionsAndRefusesNew(t *testing.T) {
	st := store.NewMemory()
	scheduleID := newSchedule(t, st, 0)
	h := NewHub(st, Options{})
	conn := newFakeTransport()

	done := make(chan error, 1)
	go func() { done <- h.Serve(context.Background(), scheduleID, uuid.NewString(), conn) }()
	require.Eventually(t, func() bool { return h.Registry().Len() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
	assert.NoError(t, <-done)
	assert.True(t, conn.isClosed())

	_, err := h.Connect(context.Background(), scheduleID, uuid.NewString(), newFakeTransport())
	assert.ErrorIs(t, err, ErrShuttingDown)

	late := newFakeTransport()
	assert.ErrorIs(t, h.Serve(context.Background(), scheduleID, uuid.NewString(), late), ErrShuttingDown)
	assert.True(t, late.isClosed())
}

// stalledConn never completes a send until it is closed.
type stalledConn struct {
	release chan struct{}
	once    sync.Once
}

func newStalledConn() *stalledConn { return &stalledConn{release: make(chan struct{})} }

func (c *stalledConn) Send([]byte) error {
	<-c.release
	return errors.New("connection closed")
}

func (c *stalledConn) Close() error {
	c.once.Do(func() { close(c.release) })
	return nil
}

func TestStalledViewerDoesNotBlockRequester(t *testing.T) {
	st := store.NewMemory()
	scheduleID := newSchedule(t, st, 0)
	h := NewHub(st, Options{})

	a, connA := connect(t, h, scheduleID)
	stalled := newStalledConn()
	_, err := h.Connect(context.Background(), scheduleID, uuid.NewString(), stalled)
	require.NoError(t, err)

	handled := make(chan struct{})
	go func() {
		h.Handle(context.Background(), a, createMessage(t, a.ClientID(), week1, week1.Add(9*time.Hour)))
		close(handled)
	}()
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("requester blocked behind a stalled viewer")
	}

	respA := connA.waitResponses(t, 2)
	assert.Equal(t, protocol.StatusSuccess, respA[1].Status)
	assert.Equal(t, 2, h.Registry().Len(), "a viewer within its queue budget stays connected")
}

func TestOverflowingViewerIsDropped(t *testing.T) {
	st := store.NewMemory()
	scheduleID := newSchedule(t, st, 0)
	h := NewHub(st, Options{})

	a, connA := connect(t, h, scheduleID)
	stalled := newStalledConn()
	b, err := h.Connect(context.Background(), scheduleID, uuid.NewString(), stalled)
	require.NoError(t, err)

	for i := 0; i <= 2*sendQueueSize; i++ {
		if err := b.Send([]byte("{}")); errors.Is(err, ErrSlowConsumer) {
			break
		}
	}

	h.Handle(context.Background(), a, createMessage(t, a.ClientID(), week1, week1.Add(9*time.Hour)))
	connA.waitResponses(t, 2)

	require.Eventually(t, func() bool { return h.Registry().Len() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := h.Registry().Get(b.ClientID())
	assert.False(t, ok)
	require.Eventually(t, func() bool { return b.State() == StateClosed }, time.Second, 5*time.Millisecond)
}

func TestShutdownDisconnectsStalledSessionsConcurrently(t *testing.T) {
	st := store.NewMemory()
	scheduleID := newSchedule(t, st, 0)
	h := NewHub(st, Options{})

	const sessions = 5
	for i := 0; i < sessions; i++ {
		_, err := h.Connect(context.Background(), scheduleID, uuid.NewString(), newStalledConn())
		require.NoError(t, err)
	}

	// Each stalled session waits out the drain timeout before its transport closes.
	ctx, cancel := context.WithTimeout(context.Background(), 2*drainTimeout)
	defer cancel()
	started := time.Now()
	require.NoError(t, h.Shutdown(ctx))
	assert.Less(t, time.Since(started), sessions*drainTimeout)
	assert.Equal(t, 0, h.Registry().Len())
}

func TestShutdownHonorsContext(t *testing.T) {
	st := store.NewMemory()
	scheduleID := newSchedule(t, st, 0)
	h := NewHub(st, Options{})
	_, err := h.Connect(context.Background(), scheduleID, uuid.NewString(), newStalledConn())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	started := time.Now()
	assert.ErrorIs(t, h.Shutdown(ctx), context.DeadlineExceeded)
	assert.Less(t, time.Since(started), drainTimeout)
}

func TestConnectCanonicalizesIDs(t *testing.T) {
	st := store.NewMemory()
	scheduleID := newSchedule(t, st, 0)
	h := NewHub(st, Options{})

	clientID := uuid.NewString()
	a, err := h.Connect(context.Background(), strings.ToUpper(scheduleID), "{"+strings.ToUpper(clientID)+"}", newFakeTransport())
	require.NoError(t, err)
	assert.Equal(t, scheduleID, a.ScheduleID())
	assert.Equal(t, clientID, a.ClientID())

	_, connB := connect(t, h, scheduleID)
	h.Handle(context.Background(), a, createMessage(t, a.ClientID(), week1, week1.Add(4*time.Hour)))
	respB := connB.waitResponses(t, 2)
	assert.Equal(t, protocol.ActionCreate, respB[1].Action)
}
