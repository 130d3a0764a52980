package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Nirovitsky/baltek-business-chat/internal/stats"
	"github.com/Nirovitsky/baltek-business-chat/internal/types"
)

const (
	defaultReconcileWindow = 30 * time.Second
	defaultSweepInterval   = 10 * time.Minute
	defaultRetainFailed    = 30 * time.Minute
)

// HistoryFetcher loads a room's message history from the REST API.
type HistoryFetcher interface {
	RoomHistory(ctx context.Context, roomID, page int) (types.MessagePage, error)
}

// Options configures a Session.
type Options struct {
	// SocketURL is the ws/wss endpoint, without the token query param.
	SocketURL string
	// Identity is the logged-in user. Owns the optimistic entries.
	Identity types.User
	// Retry is the reconnect schedule. Zero means DefaultRetryPolicy.
	Retry RetryPolicy
	// ReconcileWindow bounds how far apart an optimistic entry and its
	// server echo may be created and still match. Zero means 30s.
	ReconcileWindow time.Duration
	// SweepInterval is how often stale failed sends are collected.
	// Zero means 10m.
	SweepInterval time.Duration
	// RetainFailed is how long a failed send stays visible for manual
	// retry before the sweep drops it. Zero means 30m.
	RetainFailed time.Duration
}

// Session is the client-side chat engine: it keeps the socket alive,
// tracks the active room, merges REST history with live traffic into one
// timeline and notifies subscribers when any of that changes. All methods
// are safe for concurrent use.
type Session struct {
	logger   *log.Logger
	history  HistoryFetcher
	stats    stats.StatsProvider
	opts     Options
	conn     *connManager
	notifier *notifier

	mu           sync.Mutex
	store        *messageStore
	room         roomState
	rooms        []types.Room
	participants map[int]map[int]types.User
	historyPage  map[int]int
	hasMoreHist  map[int]bool
	lastMerged   []Message
	mergedRoom   int
	mergedGen    uint64
	mergedValid  bool
	closed       bool

	sweepTicker *time.Ticker
	sweepStop   chan struct{}
}

// NewSession wires up a session. The caller owns sp's Run loop and the
// session's lifecycle via Connect and Close.
func NewSession(logger *log.Logger, creds CredentialSource, history HistoryFetcher, sp stats.StatsProvider, opts Options) (*Session, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if creds == nil {
		return nil, errors.New("credential source is required")
	}
	if history == nil {
		return nil, errors.New("history fetcher is required")
	}
	if sp == nil {
		return nil, errors.New("stats provider is required")
	}
	if opts.SocketURL == "" {
		return nil, errors.New("socket URL is required")
	}
	if opts.Identity.Id == 0 {
		return nil, fmt.Errorf("invalid identity: %+v", opts.Identity)
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.ReconcileWindow == 0 {
		opts.ReconcileWindow = defaultReconcileWindow
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.RetainFailed == 0 {
		opts.RetainFailed = defaultRetainFailed
	}

	s := &Session{
		logger:       logger,
		history:      history,
		stats:        sp,
		opts:         opts,
		notifier:     newNotifier(),
		store:        newMessageStore(),
		participants: make(map[int]map[int]types.User),
		historyPage:  make(map[int]int),
		hasMoreHist:  make(map[int]bool),
		sweepTicker:  time.NewTicker(opts.SweepInterval),
		sweepStop:    make(chan struct{}),
	}

	s.conn = newConnManager(logger, opts.SocketURL, creds, opts.Retry, sp)
	s.conn.onFrame = s.handleFrame
	s.conn.onState = s.handleConnState
	s.conn.onResync = s.refreshActiveRoom
	s.conn.onAuthNeeded = func() { s.publish(Event{Kind: EventAuthRequired}) }
	s.conn.onExhausted = func() { s.publish(Event{Kind: EventRetriesExhausted}) }

	for _, name := range []string{
		"NumReconnects",
		"NumQueuedSends",
		"NumSentMessages",
		"NumReceivedMessages",
		"NumDroppedFrames",
	} {
		sp.RegisterMetric(name)
	}

	go s.sweepLoop()

	return s, nil
}

// Subscribe registers a listener for session events. Listeners run
// synchronously after the mutation that produced the event, so they may
// call back into the session.
func (s *Session) Subscribe(fn func(Event)) *Subscription {
	return s.notifier.subscribe(fn)
}

// Connect dials the socket. Safe to call when already connected.
func (s *Session) Connect() error {
	return s.conn.Connect()
}

// Retry resets the reconnect budget and any fatal auth state, then dials.
func (s *Session) Retry() error {
	return s.conn.Retry()
}

// Close shuts the session down and clears all message state.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.sweepTicker.Stop()
	close(s.sweepStop)
	s.store.clear()
	s.room.reset()
	s.lastMerged = nil
	s.mergedValid = false
	s.mu.Unlock()

	return s.conn.Close()
}

// ConnState returns the current connection state.
func (s *Session) ConnState() State {
	return s.conn.State()
}

// QueuedSends returns how many sends are waiting for the socket.
func (s *Session) QueuedSends() int {
	return s.conn.QueuedSends()
}

// JoinRoom makes roomID the active room: announces it on the socket and
// loads its first history page if it was never fetched. Reselecting the
// current room keeps all loaded state.
func (s *Session) JoinRoom(roomID int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	have := s.store.hasHistory(roomID)
	changed := s.room.selectRoom(roomID, have)
	s.mu.Unlock()

	if changed {
		s.publish(Event{Kind: EventRoom, RoomID: roomID})
	}
	s.announceActiveRoom()
	if !have {
		go s.fetchHistory(roomID, 1)
	}
}

// ActiveRoom returns the selected room id, zero when none.
func (s *Session) ActiveRoom() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.currentRoomID
}

// Send creates a pending entry for the message and transmits it, queueing
// when offline. It returns the entry's local id, or empty when there is
// nothing to send. Delivery confirmation arrives through the timeline;
// the caller decides when an unconfirmed send counts as failed and
// reports that via MarkSendFailed.
func (s *Session) Send(roomID int, text string, attachments []types.Attachment) string {
	text = normalizeText(text)
	if text == "" && len(attachments) == 0 {
		return ""
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ""
	}
	msg := newOptimistic(roomID, text, s.opts.Identity, attachments)
	s.store.appendOptimistic(msg)
	active := s.room.currentRoomID == roomID
	s.mu.Unlock()

	if active {
		s.publish(Event{Kind: EventTimeline, RoomID: roomID})
	}

	s.conn.SendMessage(roomID, text, attachmentIDs(attachments))
	return msg.LocalID
}

// MarkSendFailed flags a still-pending send as failed so the timeline
// shows it with the reason and the retry affordance.
func (s *Session) MarkSendFailed(localID, reason string) {
	s.mu.Lock()
	var roomID int
	ok := s.store.updateOptimistic(localID, func(m *Message) {
		m.Status = StatusFailed
		m.FailReason = reason
		roomID = m.RoomID
	})
	active := ok && s.room.currentRoomID == roomID
	s.mu.Unlock()

	if active {
		s.publish(Event{Kind: EventTimeline, RoomID: roomID})
	}
}

// RemoveOptimistic discards a pending or failed send from the timeline.
func (s *Session) RemoveOptimistic(localID string) {
	s.mu.Lock()
	removed, ok := s.store.removeOptimistic(localID)
	active := ok && s.room.currentRoomID == removed.RoomID
	s.mu.Unlock()

	if active {
		s.publish(Event{Kind: EventTimeline, RoomID: removed.RoomID})
	}
}

// RetryMessage re-sends a failed entry. The old entry is dropped and a
// fresh one with a new local id takes its place; that id is returned.
func (s *Session) RetryMessage(localID string) string {
	s.mu.Lock()
	removed, ok := s.store.removeOptimistic(localID)
	active := ok && s.room.currentRoomID == removed.RoomID
	s.mu.Unlock()

	if !ok {
		return ""
	}
	if active {
		s.publish(Event{Kind: EventTimeline, RoomID: removed.RoomID})
	}
	return s.Send(removed.RoomID, removed.Text, removed.Attachments)
}

// LoadOlderMessages fetches the next history page for the active room.
// Returns false when there is no active room or no more pages.
func (s *Session) LoadOlderMessages() bool {
	s.mu.Lock()
	roomID := s.room.currentRoomID
	more := s.hasMoreHist[roomID]
	next := s.historyPage[roomID] + 1
	s.mu.Unlock()

	if roomID == 0 || !more {
		return false
	}
	go s.fetchHistory(roomID, next)
	return true
}

// Timeline returns the active room's merged view: history and live
// traffic deduplicated and in ascending creation order. During a room
// switch, until the new room's history lands, the previous timeline keeps
// being returned so the view never flashes empty. The result is memoized
// until the underlying messages change.
func (s *Session) Timeline() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timelineLocked()
}

func (s *Session) timelineLocked() []Message {
	roomID := s.room.currentRoomID
	if roomID == 0 {
		return nil
	}
	if s.room.pendingSwitch {
		return s.lastMerged
	}
	if s.mergedValid && s.mergedRoom == roomID && s.mergedGen == s.store.gen {
		return s.lastMerged
	}

	history, live := s.store.roomMessages(roomID)
	merged := mergeTimeline(history, live)
	for i := range merged {
		if merged[i].OwnerName == "" {
			merged[i].OwnerName = s.participantName(roomID, merged[i].Owner)
		}
	}

	s.lastMerged = merged
	s.mergedRoom = roomID
	s.mergedGen = s.store.gen
	s.mergedValid = true
	return merged
}

// SetRooms installs the room list, used to resolve message owners to
// display names.
func (s *Session) SetRooms(rooms []types.Room) {
	s.mu.Lock()
	s.rooms = rooms
	s.participants = make(map[int]map[int]types.User)
	for _, room := range rooms {
		members := make(map[int]types.User, len(room.Members))
		for _, u := range room.Members {
			members[u.Id] = u
		}
		s.participants[room.Id] = members
	}
	s.store.bump()
	active := s.room.currentRoomID
	s.mu.Unlock()

	if active != 0 {
		s.publish(Event{Kind: EventTimeline, RoomID: active})
	}
}

// Rooms returns the installed room list.
func (s *Session) Rooms() []types.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms
}

// MarkSeen advances the active room's read cursor to messageID.
func (s *Session) MarkSeen(messageID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room.markSeen(messageID)
}

// LastSeen returns the active room and its read cursor.
func (s *Session) LastSeen() (roomID, messageID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.currentRoomID, s.room.lastSeenID
}

func (s *Session) publish(ev Event) {
	s.notifier.publish(ev)
}

func (s *Session) handleConnState(state State, attempt int) {
	if state == StateConnected {
		s.announceActiveRoom()
	}
	s.publish(Event{Kind: EventConnState, State: state, Attempt: attempt})
}

func (s *Session) handleFrame(frame *serverFrame) {
	switch frame.Type {
	case frameMessageDelivered, frameMessageReceived, frameReceiveMessage:
		if frame.Message == nil {
			s.logger.Printf("dropping %s frame without message payload", frame.Type)
			s.stats.Incr("NumDroppedFrames")
			return
		}
		s.stats.Incr("NumReceivedMessages")
		s.recordIncoming(fromWire(*frame.Message))
	case frameError:
		detail := frame.errorDetail()
		s.logger.Printf("server error: %s", detail)
		s.publish(Event{Kind: EventServerError, Detail: detail})
	case frameAuthError:
		s.logger.Println("server rejected credentials")
		s.publish(Event{Kind: EventAuthRequired, Detail: frame.errorDetail()})
	default:
		s.logger.Printf("ignoring unknown frame type %q", frame.Type)
	}
}

// recordIncoming files a server message into the store, reconciling it
// against pending sends, and raises the matching event.
func (s *Session) recordIncoming(msg Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	stored := s.store.reconcile(msg, s.opts.ReconcileWindow)
	active := s.room.currentRoomID == msg.RoomID
	s.mu.Unlock()

	if !stored {
		return
	}
	if active {
		s.publish(Event{Kind: EventTimeline, RoomID: msg.RoomID})
	} else {
		s.publish(Event{Kind: EventRoomActivity, RoomID: msg.RoomID, Message: &msg})
	}
}

// announceActiveRoom tells the server which room is being followed. Sent
// on room selection and again on every connect, so a selection made while
// offline still reaches the server. A no-op while disconnected.
func (s *Session) announceActiveRoom() {
	s.mu.Lock()
	roomID := s.room.currentRoomID
	closed := s.closed
	s.mu.Unlock()

	if closed || roomID == 0 {
		return
	}
	if err := s.conn.JoinRoom(roomID); err != nil && !errors.Is(err, ErrNotConnected) {
		s.logger.Printf("join room %d: %v", roomID, err)
	}
}

// refreshActiveRoom reloads the active room's first history page after a
// reconnect, filling whatever gap accumulated while offline.
func (s *Session) refreshActiveRoom() {
	s.mu.Lock()
	roomID := s.room.currentRoomID
	closed := s.closed
	s.mu.Unlock()

	if closed || roomID == 0 {
		return
	}
	go s.fetchHistory(roomID, 1)
}

func (s *Session) fetchHistory(roomID, page int) {
	pageData, err := s.history.RoomHistory(context.Background(), roomID, page)
	if err != nil {
		s.logger.Printf("fetch history for room %d page %d: %v", roomID, page, err)
		return
	}
	s.applyHistory(roomID, page, pageData)
}

func (s *Session) applyHistory(roomID, page int, pageData types.MessagePage) {
	msgs := make([]Message, 0, len(pageData.Results))
	for _, wire := range pageData.Results {
		msgs = append(msgs, fromWire(wire))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if page <= 1 {
		s.store.setHistory(roomID, msgs)
	} else {
		s.store.addHistory(roomID, msgs)
	}
	s.historyPage[roomID] = page
	s.hasMoreHist[roomID] = pageData.Next != nil
	active := s.room.currentRoomID == roomID
	if active {
		s.room.historyLoaded(roomID)
	}
	s.mu.Unlock()

	if active {
		s.publish(Event{Kind: EventTimeline, RoomID: roomID})
	}
}

func (s *Session) participantName(roomID, userID int) string {
	if u, ok := s.participants[roomID][userID]; ok {
		return u.DisplayName()
	}
	if userID == s.opts.Identity.Id {
		return s.opts.Identity.DisplayName()
	}
	return ""
}

func (s *Session) sweepLoop() {
	for {
		select {
		case now := <-s.sweepTicker.C:
			s.mu.Lock()
			removed := s.store.sweepFailed(s.opts.RetainFailed, now)
			roomID := s.room.currentRoomID
			s.mu.Unlock()

			if removed > 0 {
				s.logger.Printf("swept %d stale failed sends", removed)
				s.publish(Event{Kind: EventTimeline, RoomID: roomID})
			}
		case <-s.sweepStop:
			return
		}
	}
}

func attachmentIDs(attachments []types.Attachment) []int {
	if len(attachments) == 0 {
		return nil
	}
	ids := make([]int, 0, len(attachments))
	for _, a := range attachments {
		ids = append(ids, a.Id)
	}
	return ids
}
