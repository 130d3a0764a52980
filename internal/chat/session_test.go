package chat

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/Nirovitsky/baltek-business-chat/internal/stats"
	"github.com/Nirovitsky/baltek-business-chat/internal/testutil"
	"github.com/Nirovitsky/baltek-business-chat/internal/types"
)

type sessionHarness struct {
	s       *Session
	creds   *MockCredentialSource
	history *MockHistoryFetcher
	su      *stats.MockStatsUpdater
	sched   *fakeScheduler
	events  chan Event
}

// newTestSession creates a Session wired to mocks and a captured retry
// scheduler. Tests attach a scripted socket via h.s.conn.dial.
func newTestSession(t *testing.T, history *MockHistoryFetcher, opts Options) *sessionHarness {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(5)
	su.On("Incr", mock.Anything).Return(nil)

	creds := &MockCredentialSource{}
	creds.On("Token").Return("tok", true)

	if opts.SocketURL == "" {
		opts.SocketURL = "ws://chat.test/ws"
	}
	if opts.Identity.Id == 0 {
		opts.Identity = types.User{Id: 1, FirstName: "Test", LastName: "User"}
	}

	s, err := NewSession(testutil.TestLogger(t), creds, history, su, opts)
	if err != nil {
		t.Fatalf("failed to create test session: %v", err)
	}

	h := &sessionHarness{
		s:       s,
		creds:   creds,
		history: history,
		su:      su,
		sched:   &fakeScheduler{},
		events:  make(chan Event, 256),
	}
	s.conn.afterFunc = h.sched.afterFunc
	s.Subscribe(func(ev Event) { h.events <- ev })

	t.Cleanup(func() { s.Close() })
	return h
}

// waitEvent consumes events until one of the wanted kind arrives.
func (h *sessionHarness) waitEvent(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

// waitState consumes events until the connection reaches the given state.
func (h *sessionHarness) waitState(t *testing.T, state State) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == EventConnState && ev.State == state {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s connection state", state)
		}
	}
}

func (h *sessionHarness) assertNoEvents(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected %s event", ev.Kind)
	default:
	}
}

func messagePage(hasNext bool, msgs ...types.Message) types.MessagePage {
	page := types.MessagePage{Count: len(msgs), Results: msgs}
	if hasNext {
		next := "next"
		page.Next = &next
	}
	return page
}

func wireMessage(id, room, owner int, text string, created int64) types.Message {
	return types.Message{Id: id, Room: room, Owner: owner, Text: text, DateCreated: created}
}

func TestNewSessionValidation(t *testing.T) {
	logger := testutil.TestLogger(t)
	creds := &MockCredentialSource{}
	history := &MockHistoryFetcher{}
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return(nil)

	opts := Options{SocketURL: "ws://chat.test/ws", Identity: types.User{Id: 1}}

	_, err := NewSession(nil, creds, history, su, opts)
	assert.Error(t, err, "expected a nil logger to be rejected")

	_, err = NewSession(logger, nil, history, su, opts)
	assert.Error(t, err, "expected a nil credential source to be rejected")

	_, err = NewSession(logger, creds, nil, su, opts)
	assert.Error(t, err, "expected a nil history fetcher to be rejected")

	_, err = NewSession(logger, creds, history, nil, opts)
	assert.Error(t, err, "expected a nil stats provider to be rejected")

	_, err = NewSession(logger, creds, history, su, Options{Identity: types.User{Id: 1}})
	assert.Error(t, err, "expected a missing socket URL to be rejected")

	_, err = NewSession(logger, creds, history, su, Options{SocketURL: "ws://chat.test/ws"})
	assert.Error(t, err, "expected a missing identity to be rejected")
}

func TestSessionDefaults(t *testing.T) {
	h := newTestSession(t, &MockHistoryFetcher{}, Options{})

	assert.Equal(t, DefaultRetryPolicy(), h.s.opts.Retry, "expected the default retry policy")
	assert.Equal(t, defaultReconcileWindow, h.s.opts.ReconcileWindow, "expected the default reconcile window")
	assert.Equal(t, defaultRetainFailed, h.s.opts.RetainFailed, "expected the default failed retention")
	assert.Equal(t, StateDisconnected, h.s.ConnState(), "expected a new session to start disconnected")
}

func TestSessionJoinRoomLoadsHistory(t *testing.T) {
	history := &MockHistoryFetcher{}
	history.On("RoomHistory", mock.Anything, 1, 1).Return(messagePage(false,
		wireMessage(2, 1, 3, "second", 1700000060),
		wireMessage(1, 1, 3, "first", 1700000000),
	), nil).Once()

	h := newTestSession(t, history, Options{})
	h.s.JoinRoom(1)

	ev := h.waitEvent(t, EventRoom)
	assert.Equal(t, 1, ev.RoomID, "expected the room event to carry the new room id")
	assert.Equal(t, 1, h.s.ActiveRoom(), "expected room 1 to be active")

	h.waitEvent(t, EventTimeline)

	timeline := h.s.Timeline()
	assert.Len(t, timeline, 2, "expected both history messages in the timeline")
	assert.Equal(t, 1, timeline[0].ID, "expected ascending creation order")
	assert.Equal(t, 2, timeline[1].ID, "expected the newest message last")

	assert.False(t, h.s.LoadOlderMessages(), "expected no further pages")
	history.AssertExpectations(t)
}

func TestSessionJoinRoomIdempotent(t *testing.T) {
	history := &MockHistoryFetcher{}
	history.On("RoomHistory", mock.Anything, 1, 1).Return(messagePage(false,
		wireMessage(1, 1, 3, "first", 1700000000),
	), nil).Once()

	h := newTestSession(t, history, Options{})
	h.s.JoinRoom(1)
	h.waitEvent(t, EventRoom)
	h.waitEvent(t, EventTimeline)

	h.s.JoinRoom(1)

	assert.Len(t, h.s.Timeline(), 1, "expected the timeline to survive reselection")
	history.AssertNumberOfCalls(t, "RoomHistory", 1)
	h.assertNoEvents(t)
}

func TestSessionRoomSwitchKeepsPreviousTimeline(t *testing.T) {
	gate := make(chan struct{})

	history := &MockHistoryFetcher{}
	history.On("RoomHistory", mock.Anything, 1, 1).Return(messagePage(false,
		wireMessage(1, 1, 3, "room one", 1700000000),
	), nil).Once()
	history.On("RoomHistory", mock.Anything, 2, 1).Return(messagePage(false,
		wireMessage(9, 2, 3, "room two", 1700000100),
	), nil).Once().Run(func(mock.Arguments) { <-gate })

	h := newTestSession(t, history, Options{})
	h.s.JoinRoom(1)
	h.waitEvent(t, EventTimeline)
	assert.Len(t, h.s.Timeline(), 1, "expected room one's history")

	h.s.JoinRoom(2)
	h.waitEvent(t, EventRoom)

	timeline := h.s.Timeline()
	assert.Len(t, timeline, 1, "expected the previous timeline while the new room loads")
	assert.Equal(t, 1, timeline[0].ID, "expected room one's message to still render")

	close(gate)
	h.waitEvent(t, EventTimeline)

	timeline = h.s.Timeline()
	assert.Len(t, timeline, 1, "expected room two's history")
	assert.Equal(t, 9, timeline[0].ID, "expected room two's message after the load")
}

func TestSessionLoadOlderMessages(t *testing.T) {
	history := &MockHistoryFetcher{}
	history.On("RoomHistory", mock.Anything, 1, 1).Return(messagePage(true,
		wireMessage(3, 1, 3, "newest", 1700000200),
	), nil).Once()
	history.On("RoomHistory", mock.Anything, 1, 2).Return(messagePage(false,
		wireMessage(1, 1, 3, "oldest", 1700000000),
	), nil).Once()

	h := newTestSession(t, history, Options{})
	h.s.JoinRoom(1)
	h.waitEvent(t, EventTimeline)

	assert.True(t, h.s.LoadOlderMessages(), "expected another page to be available")
	h.waitEvent(t, EventTimeline)

	timeline := h.s.Timeline()
	assert.Len(t, timeline, 2, "expected both pages merged")
	assert.Equal(t, 1, timeline[0].ID, "expected the older page's message first")

	assert.False(t, h.s.LoadOlderMessages(), "expected the paging to stop on the last page")
	history.AssertExpectations(t)
}

func TestSessionSendAndReconcile(t *testing.T) {
	history := &MockHistoryFetcher{}
	history.On("RoomHistory", mock.Anything, 1, 1).Return(messagePage(false), nil).Once()

	h := newTestSession(t, history, Options{})
	conn := newFakeConn()
	h.s.conn.dial = scriptDial(conn)

	assert.NoError(t, h.s.Connect(), "expected connect to succeed")
	h.s.JoinRoom(1)
	h.waitEvent(t, EventTimeline)

	localID := h.s.Send(1, "  hi  ", nil)
	assert.NotEmpty(t, localID, "expected a local id for the pending send")
	h.waitEvent(t, EventTimeline)

	timeline := h.s.Timeline()
	assert.Len(t, timeline, 1, "expected the pending entry in the timeline")
	assert.Equal(t, "hi", timeline[0].Text, "expected the text to be trimmed")
	assert.Equal(t, StatusSending, timeline[0].Status, "expected the entry to be sending")
	assert.True(t, timeline[0].Optimistic, "expected the entry to be optimistic")
	assert.Equal(t, "Test User", timeline[0].OwnerName, "expected the sender's display name")

	frames := conn.sentFrames()
	assert.Len(t, frames, 2, "expected a join and a send frame")
	assert.Equal(t, `{"type":"join_room","room":1,"token":"tok"}`, string(frames[0]),
		"expected the join frame first")
	assert.Equal(t, `{"type":"send_message","data":{"room":1,"text":"hi"}}`, string(frames[1]),
		"expected the send frame on the wire")

	conn.serverSend(fmt.Sprintf(
		`{"type":"message_delivered","message":{"id":42,"room":1,"owner":1,"text":"hi","date_created":%d}}`,
		time.Now().Unix()))
	h.waitEvent(t, EventTimeline)

	timeline = h.s.Timeline()
	assert.Len(t, timeline, 1, "expected the echo to replace the pending entry, not append")
	assert.Equal(t, 42, timeline[0].ID, "expected the server id to be adopted")
	assert.Equal(t, localID, timeline[0].LocalID, "expected the local id to survive reconciliation")
	assert.Equal(t, StatusDelivered, timeline[0].Status, "expected the entry to be delivered")
	assert.False(t, timeline[0].Optimistic, "expected the entry to stop being optimistic")
}

func TestSessionSendNothing(t *testing.T) {
	h := newTestSession(t, &MockHistoryFetcher{}, Options{})

	assert.Empty(t, h.s.Send(1, "   ", nil), "expected whitespace-only text to be refused")
	assert.Equal(t, 0, h.s.QueuedSends(), "expected nothing to be queued")
}

func TestSessionDuplicateDeliveryIgnored(t *testing.T) {
	history := &MockHistoryFetcher{}
	history.On("RoomHistory", mock.Anything, 1, 1).Return(messagePage(false), nil).Once()

	h := newTestSession(t, history, Options{})
	h.s.JoinRoom(1)
	h.waitEvent(t, EventTimeline)

	frame, err := parseServerFrame([]byte(
		`{"type":"message_received","message":{"id":42,"room":1,"owner":3,"text":"hey","date_created":1700000000}}`))
	assert.NoError(t, err, "expected the frame to parse")

	h.s.handleFrame(frame)
	h.waitEvent(t, EventTimeline)
	assert.Len(t, h.s.Timeline(), 1, "expected the message to be stored")

	h.s.handleFrame(frame)
	assert.Len(t, h.s.Timeline(), 1, "expected the duplicate to be dropped")
	h.assertNoEvents(t)
}

func TestSessionOtherRoomActivity(t *testing.T) {
	history := &MockHistoryFetcher{}
	history.On("RoomHistory", mock.Anything, 1, 1).Return(messagePage(false,
		wireMessage(1, 1, 3, "room one", 1700000000),
	), nil).Once()

	h := newTestSession(t, history, Options{})
	h.s.JoinRoom(1)
	h.waitEvent(t, EventTimeline)

	frame, err := parseServerFrame([]byte(
		`{"type":"receive_message","message":{"id":50,"room":2,"owner":3,"text":"ping","date_created":1700000300}}`))
	assert.NoError(t, err, "expected the frame to parse")
	h.s.handleFrame(frame)

	ev := h.waitEvent(t, EventRoomActivity)
	assert.Equal(t, 2, ev.RoomID, "expected the activity to name the other room")
	assert.NotNil(t, ev.Message, "expected the activity to carry the message")
	assert.Equal(t, "ping", ev.Message.Text, "expected the message text")

	timeline := h.s.Timeline()
	assert.Len(t, timeline, 1, "expected the active room's timeline to be untouched")
	assert.Equal(t, 1, timeline[0].ID, "expected only room one's message")
}

func TestSessionMarkSendFailedAndRetry(t *testing.T) {
	history := &MockHistoryFetcher{}
	history.On("RoomHistory", mock.Anything, 1, 1).Return(messagePage(false), nil).Once()

	h := newTestSession(t, history, Options{})
	h.s.JoinRoom(1)
	h.waitEvent(t, EventTimeline)

	localID := h.s.Send(1, "hi", nil)
	assert.NotEmpty(t, localID, "expected a local id")
	assert.Equal(t, 1, h.s.QueuedSends(), "expected the send to queue while offline")

	h.s.MarkSendFailed(localID, "timed out")

	timeline := h.s.Timeline()
	assert.Len(t, timeline, 1, "expected the failed entry to stay visible")
	assert.Equal(t, StatusFailed, timeline[0].Status, "expected the entry to be failed")
	assert.Equal(t, "timed out", timeline[0].FailReason, "expected the failure reason")

	newID := h.s.RetryMessage(localID)
	assert.NotEmpty(t, newID, "expected the retry to produce a fresh entry")
	assert.NotEqual(t, localID, newID, "expected a new local id")

	timeline = h.s.Timeline()
	assert.Len(t, timeline, 1, "expected the failed entry to be replaced")
	assert.Equal(t, newID, timeline[0].LocalID, "expected the fresh entry in the timeline")
	assert.Equal(t, StatusSending, timeline[0].Status, "expected the fresh entry to be sending")

	assert.Empty(t, h.s.RetryMessage(localID), "expected retrying a gone entry to be refused")

	h.s.RemoveOptimistic(newID)
	assert.Empty(t, h.s.Timeline(), "expected the entry to be removed")
}

func TestSessionResolvesOwnerNames(t *testing.T) {
	history := &MockHistoryFetcher{}
	history.On("RoomHistory", mock.Anything, 1, 1).Return(messagePage(false,
		wireMessage(1, 1, 2, "hello", 1700000000),
		wireMessage(2, 1, 99, "stranger", 1700000060),
	), nil).Once()

	h := newTestSession(t, history, Options{})
	h.s.SetRooms([]types.Room{{
		Id:      1,
		Name:    "general",
		Members: []types.User{{Id: 2, FirstName: "Jane", LastName: "Doe"}},
	}})
	h.s.JoinRoom(1)
	h.waitEvent(t, EventTimeline)

	timeline := h.s.Timeline()
	assert.Len(t, timeline, 2, "expected both messages")
	assert.Equal(t, "Jane Doe", timeline[0].OwnerName, "expected the member's display name")
	assert.Empty(t, timeline[1].OwnerName, "expected unknown owners to stay unresolved")

	assert.Len(t, h.s.Rooms(), 1, "expected the room list to be kept")
}

func TestSessionOfflineSendFlushesOnConnect(t *testing.T) {
	history := &MockHistoryFetcher{}
	history.On("RoomHistory", mock.Anything, 1, 1).Return(messagePage(false), nil).Once()

	h := newTestSession(t, history, Options{})
	conn := newFakeConn()
	h.s.conn.dial = scriptDial(conn)

	h.s.JoinRoom(1)
	h.waitEvent(t, EventTimeline)

	localID := h.s.Send(1, "hi", nil)
	h.waitEvent(t, EventTimeline)
	assert.Equal(t, 1, h.s.QueuedSends(), "expected the send to queue while offline")

	assert.NoError(t, h.s.Connect(), "expected connect to succeed")
	assert.Equal(t, 0, h.s.QueuedSends(), "expected the queue to flush on connect")

	frames := conn.sentFrames()
	assert.Len(t, frames, 2, "expected the join and the flushed send")
	assert.Equal(t, `{"type":"join_room","room":1,"token":"tok"}`, string(frames[0]),
		"expected the room to be announced on connect")
	assert.Equal(t, `{"type":"send_message","data":{"room":1,"text":"hi"}}`, string(frames[1]),
		"expected the queued send on the wire")

	conn.serverSend(fmt.Sprintf(
		`{"type":"message_delivered","message":{"id":7,"room":1,"owner":1,"text":"hi","date_created":%d}}`,
		time.Now().Unix()))
	h.waitEvent(t, EventTimeline)

	timeline := h.s.Timeline()
	assert.Len(t, timeline, 1, "expected the echo to replace the pending entry")
	assert.Equal(t, 7, timeline[0].ID, "expected the server id")
	assert.Equal(t, localID, timeline[0].LocalID, "expected the local id to survive")
}

func TestSessionReconnectRefreshesHistory(t *testing.T) {
	history := &MockHistoryFetcher{}
	history.On("RoomHistory", mock.Anything, 1, 1).Return(messagePage(false), nil).Times(2)

	h := newTestSession(t, history, Options{})
	first := newFakeConn()
	second := newFakeConn()
	h.s.conn.dial = scriptDial(first, second)

	assert.NoError(t, h.s.Connect(), "expected connect to succeed")
	h.waitState(t, StateConnected)
	h.s.JoinRoom(1)
	h.waitEvent(t, EventTimeline)

	first.closeFromServer()

	ev := h.waitState(t, StateDisconnected)
	assert.Equal(t, 1, ev.Attempt, "expected the upcoming attempt number")

	fn, ok := h.sched.next()
	assert.True(t, ok, "expected a reconnect to be armed")
	fn()

	assert.Equal(t, StateConnected, h.s.ConnState(), "expected the session to reconnect")
	h.waitEvent(t, EventTimeline)

	history.AssertNumberOfCalls(t, "RoomHistory", 2)
	frames := second.sentFrames()
	assert.NotEmpty(t, frames, "expected frames on the new socket")
	assert.Equal(t, `{"type":"join_room","room":1,"token":"tok"}`, string(frames[0]),
		"expected the active room to be re-announced after the reconnect")
}

func TestSessionAuthErrorEvent(t *testing.T) {
	h := newTestSession(t, &MockHistoryFetcher{}, Options{})
	conn := newFakeConn()
	h.s.conn.dial = scriptDial(conn)

	assert.NoError(t, h.s.Connect(), "expected connect to succeed")

	conn.serverSend(`{"type":"auth_error","detail":"token expired"}`)

	ev := h.waitEvent(t, EventAuthRequired)
	assert.Equal(t, "token expired", ev.Detail, "expected the server's detail")
	assert.Equal(t, StateDisconnected, h.s.ConnState(), "expected the session to be disconnected")
	assert.Equal(t, 0, h.sched.armed(), "expected no automatic reconnect after an auth error")
}

func TestSessionServerErrorEvent(t *testing.T) {
	h := newTestSession(t, &MockHistoryFetcher{}, Options{})

	frame, err := parseServerFrame([]byte(`{"type":"error","detail":"room is full"}`))
	assert.NoError(t, err, "expected the frame to parse")
	h.s.handleFrame(frame)

	ev := h.waitEvent(t, EventServerError)
	assert.Equal(t, "room is full", ev.Detail, "expected the error detail to be surfaced")
}

func TestSessionSweepsStaleFailedSends(t *testing.T) {
	history := &MockHistoryFetcher{}
	history.On("RoomHistory", mock.Anything, 1, 1).Return(messagePage(false), nil).Once()

	h := newTestSession(t, history, Options{
		SweepInterval: 20 * time.Millisecond,
		RetainFailed:  10 * time.Millisecond,
	})
	h.s.JoinRoom(1)
	h.waitEvent(t, EventTimeline)

	localID := h.s.Send(1, "hi", nil)
	h.s.MarkSendFailed(localID, "timed out")

	for len(h.s.Timeline()) > 0 {
		h.waitEvent(t, EventTimeline)
	}
}

func TestSessionClose(t *testing.T) {
	history := &MockHistoryFetcher{}
	history.On("RoomHistory", mock.Anything, 1, 1).Return(messagePage(false,
		wireMessage(1, 1, 3, "first", 1700000000),
	), nil).Once()

	h := newTestSession(t, history, Options{})
	h.s.JoinRoom(1)
	h.waitEvent(t, EventTimeline)

	assert.NoError(t, h.s.Close(), "expected close to succeed")
	assert.Equal(t, 0, h.s.ActiveRoom(), "expected no active room after close")
	assert.Nil(t, h.s.Timeline(), "expected no timeline after close")
	assert.Empty(t, h.s.Send(1, "hi", nil), "expected sends after close to be refused")
	assert.NoError(t, h.s.Close(), "expected close to be idempotent")
}

func TestSessionMarkSeen(t *testing.T) {
	history := &MockHistoryFetcher{}
	history.On("RoomHistory", mock.Anything, 1, 1).Return(messagePage(false), nil).Once()

	h := newTestSession(t, history, Options{})
	h.s.JoinRoom(1)
	h.waitEvent(t, EventTimeline)

	h.s.MarkSeen(10)
	h.s.MarkSeen(4)

	roomID, seen := h.s.LastSeen()
	assert.Equal(t, 1, roomID, "expected the active room")
	assert.Equal(t, 10, seen, "expected the cursor to keep the highest id")
}
