package chat

// roomState tracks which room the user is looking at and the read cursor
// inside it. pendingSwitch is set between selecting a room and its first
// history page landing, so the previous room's timeline keeps rendering
// instead of flashing empty.
type roomState struct {
	currentRoomID int
	lastSeenID    int
	pendingSwitch bool
}

// selectRoom switches the active room. Reselecting the current room is a
// no-op and reports false.
func (r *roomState) selectRoom(roomID int, haveHistory bool) bool {
	if roomID == r.currentRoomID {
		return false
	}
	r.currentRoomID = roomID
	r.lastSeenID = 0
	r.pendingSwitch = !haveHistory
	return true
}

// historyLoaded marks the switch complete once the room's first history
// page is in.
func (r *roomState) historyLoaded(roomID int) {
	if roomID == r.currentRoomID {
		r.pendingSwitch = false
	}
}

// markSeen advances the read cursor. It never moves backwards.
func (r *roomState) markSeen(messageID int) {
	if messageID > r.lastSeenID {
		r.lastSeenID = messageID
	}
}

func (r *roomState) reset() {
	r.currentRoomID = 0
	r.lastSeenID = 0
	r.pendingSwitch = false
}
