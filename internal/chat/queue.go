package chat

// queuedSend is an outbound message captured while the socket was not
// usable.
type queuedSend struct {
	roomID      int
	text        string
	attachments []int
}

// sendQueue holds failed or offline sends in arrival order until the next
// successful connect. The connection manager owns it and serializes
// access.
type sendQueue struct {
	pending []queuedSend
}

func (q *sendQueue) enqueue(item queuedSend) {
	q.pending = append(q.pending, item)
}

// drain returns the queued sends in FIFO order and empties the queue.
// Each entry gets exactly one transmission attempt.
func (q *sendQueue) drain() []queuedSend {
	items := q.pending
	q.pending = nil
	return items
}

func (q *sendQueue) len() int {
	return len(q.pending)
}

func (q *sendQueue) clear() {
	q.pending = nil
}
