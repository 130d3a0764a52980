package chat

import "time"

// messageStore holds the raw material the merge works from: REST history
// and live socket messages per room. A generation counter invalidates
// memoized merges on every mutation. The session serializes access.
type messageStore struct {
	live    map[int][]Message
	history map[int][]Message
	fetched map[int]bool
	gen     uint64
}

func newMessageStore() *messageStore {
	return &messageStore{
		live:    make(map[int][]Message),
		history: make(map[int][]Message),
		fetched: make(map[int]bool),
	}
}

func (s *messageStore) bump() {
	s.gen++
}

// hasServerID reports whether a non-optimistic message with the given
// server id is already recorded for the room. Zero is never recorded.
func (s *messageStore) hasServerID(roomID, id int) bool {
	if id == 0 {
		return false
	}
	for _, m := range s.live[roomID] {
		if !m.Optimistic && m.ID == id {
			return true
		}
	}
	return false
}

// appendLive records a socket-delivered message, dropping duplicates by
// server id. Reports whether the store changed.
func (s *messageStore) appendLive(msg Message) bool {
	if s.hasServerID(msg.RoomID, msg.ID) {
		return false
	}
	s.live[msg.RoomID] = append(s.live[msg.RoomID], msg)
	s.bump()
	return true
}

// appendOptimistic records a locally-created message.
func (s *messageStore) appendOptimistic(msg Message) {
	s.live[msg.RoomID] = append(s.live[msg.RoomID], msg)
	s.bump()
}

// updateOptimistic applies a partial update to the pending entry with the
// given local id. A missing entry (already reconciled or removed) is a
// no-op and returns false.
func (s *messageStore) updateOptimistic(localID string, apply func(*Message)) bool {
	for roomID, msgs := range s.live {
		for i := range msgs {
			if msgs[i].Optimistic && msgs[i].LocalID == localID {
				apply(&msgs[i])
				s.live[roomID] = msgs
				s.bump()
				return true
			}
		}
	}
	return false
}

// removeOptimistic deletes the pending entry with the given local id,
// returning it for retry flows.
func (s *messageStore) removeOptimistic(localID string) (Message, bool) {
	for roomID, msgs := range s.live {
		for i := range msgs {
			if msgs[i].Optimistic && msgs[i].LocalID == localID {
				removed := msgs[i]
				s.live[roomID] = append(msgs[:i], msgs[i+1:]...)
				s.bump()
				return removed, true
			}
		}
	}
	return Message{}, false
}

// reconcile files an incoming server message against the room's pending
// optimistic entries: same owner and text, created within window, still
// sending or failed. The oldest match is replaced in place, keeping its
// local id so callers tracking the send observe completion. With no match
// the message is appended; an already-recorded server id is dropped.
// Reports whether the store changed.
func (s *messageStore) reconcile(incoming Message, window time.Duration) bool {
	if s.hasServerID(incoming.RoomID, incoming.ID) {
		return false
	}

	msgs := s.live[incoming.RoomID]
	for i := range msgs {
		m := &msgs[i]
		if !m.Optimistic || m.Owner != incoming.Owner || m.Text != incoming.Text {
			continue
		}
		if m.Status != StatusSending && m.Status != StatusFailed {
			continue
		}
		if absDuration(incoming.CreatedAt.Sub(m.CreatedAt)) > window {
			continue
		}

		localID := m.LocalID
		*m = incoming
		m.LocalID = localID
		s.live[incoming.RoomID] = msgs
		s.bump()
		return true
	}

	return s.appendLive(incoming)
}

// sweepFailed removes failed optimistic entries older than retention and
// returns how many were dropped.
func (s *messageStore) sweepFailed(retention time.Duration, now time.Time) int {
	var removed int
	for roomID, msgs := range s.live {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.Optimistic && m.Status == StatusFailed && now.Sub(m.CreatedAt) > retention {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		s.live[roomID] = kept
	}

	if removed > 0 {
		s.bump()
	}
	return removed
}

// setHistory replaces a room's fetched history with the first page.
func (s *messageStore) setHistory(roomID int, msgs []Message) {
	s.history[roomID] = msgs
	s.fetched[roomID] = true
	s.bump()
}

// addHistory extends a room's history with an older page.
func (s *messageStore) addHistory(roomID int, msgs []Message) {
	s.history[roomID] = append(s.history[roomID], msgs...)
	s.fetched[roomID] = true
	s.bump()
}

// hasHistory reports whether any history fetch for the room has landed.
func (s *messageStore) hasHistory(roomID int) bool {
	return s.fetched[roomID]
}

func (s *messageStore) roomMessages(roomID int) (history, live []Message) {
	return s.history[roomID], s.live[roomID]
}

func (s *messageStore) clear() {
	s.live = make(map[int][]Message)
	s.history = make(map[int][]Message)
	s.fetched = make(map[int]bool)
	s.bump()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
