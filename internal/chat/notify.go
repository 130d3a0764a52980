package chat

import (
	"sync"

	"github.com/google/uuid"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// EventKind discriminates Event payloads.
type EventKind string

const (
	// EventConnState reports a connection state change. During reconnect
	// waits Attempt carries the upcoming attempt number.
	EventConnState EventKind = "conn_state"
	// EventTimeline means the active room's merged timeline changed and
	// should be re-read via Timeline.
	EventTimeline EventKind = "timeline"
	// EventRoom reports that the active room changed.
	EventRoom EventKind = "room"
	// EventRoomActivity reports a message in a non-active room.
	EventRoomActivity EventKind = "room_activity"
	// EventAuthRequired means the server rejected the credentials or a
	// refresh failed; the user has to log in again.
	EventAuthRequired EventKind = "auth_required"
	// EventServerError surfaces an error frame from the server.
	EventServerError EventKind = "server_error"
	// EventRetriesExhausted means the automatic reconnect budget is spent
	// and only a manual Retry will reconnect.
	EventRetriesExhausted EventKind = "retries_exhausted"
)

// Event is a session notification. Fields beyond Kind are set per kind.
type Event struct {
	Kind    EventKind
	State   State
	Attempt int
	RoomID  int
	Message *Message
	Detail  string
}

// Subscription is a handle on a registered listener. Cancel is safe to
// call more than once.
type Subscription struct {
	id uuid.UUID
	n  *notifier
}

func (s *Subscription) Cancel() {
	s.n.mu.Lock()
	delete(s.n.subs, s.id)
	s.n.mu.Unlock()
}

// notifier fans events out to subscribers. Listeners run synchronously in
// registration-independent order, after the mutation that produced the
// event has fully completed.
type notifier struct {
	mu   sync.Mutex
	subs map[uuid.UUID]func(Event)
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[uuid.UUID]func(Event))}
}

func (n *notifier) subscribe(fn func(Event)) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := uuid.New()
	n.subs[id] = fn
	return &Subscription{id: id, n: n}
}

func (n *notifier) publish(ev Event) {
	n.mu.Lock()
	fns := make([]func(Event), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
