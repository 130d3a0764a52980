package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Nirovitsky/baltek-business-chat/internal/stats"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrAuthRequired = errors.New("authentication required")
	ErrNotConnected = errors.New("not connected")
)

// CredentialSource supplies and refreshes the socket auth token.
type CredentialSource interface {
	// Token returns the current access token. ok is false when the token
	// is missing or expired.
	Token() (string, bool)
	// Refresh obtains a fresh access token.
	Refresh(ctx context.Context) (string, error)
}

// socketConn is the subset of *websocket.Conn the manager drives, split
// out so tests can script the peer.
type socketConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

type dialFunc func(urlStr string) (socketConn, error)

func gorillaDial(urlStr string) (socketConn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(urlStr, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// connManager owns the socket: dialing with the token in the URL, the
// read pump, keepalive pings, the offline send queue and the reconnect
// schedule. There is never more than one live socket or one armed retry
// timer.
type connManager struct {
	logger *log.Logger
	url    string
	creds  CredentialSource
	policy RetryPolicy
	stats  stats.StatsProvider

	dial      dialFunc
	afterFunc func(d time.Duration, fn func()) *time.Timer

	mu           sync.Mutex
	conn         socketConn
	state        State
	gen          uint64
	attempt      int
	retryTimer   *time.Timer
	queue        sendQueue
	closed       bool
	authFailed   bool
	wasConnected bool

	writeMu sync.Mutex

	onFrame      func(*serverFrame)
	onState      func(State, int)
	onResync     func()
	onAuthNeeded func()
	onExhausted  func()
}

func newConnManager(logger *log.Logger, socketURL string, creds CredentialSource, policy RetryPolicy, sp stats.StatsProvider) *connManager {
	return &connManager{
		logger:    logger,
		url:       socketURL,
		creds:     creds,
		policy:    policy,
		stats:     sp,
		dial:      gorillaDial,
		afterFunc: time.AfterFunc,
		state:     StateDisconnected,
	}
}

func (c *connManager) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connManager) QueuedSends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.len()
}

// Connect dials the socket if it is not already up or being dialed. A
// dial or refresh failure arms the reconnect schedule and is returned to
// the caller.
func (c *connManager) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.authFailed {
		c.mu.Unlock()
		return ErrAuthRequired
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.stopRetryTimerLocked()
	attempt := c.attempt
	c.mu.Unlock()

	c.notifyState(StateConnecting, attempt)

	token, ok := c.creds.Token()
	if !ok {
		fresh, err := c.creds.Refresh(context.Background())
		if err != nil {
			c.logger.Printf("credential refresh failed: %v", err)
			c.mu.Lock()
			c.state = StateDisconnected
			c.scheduleReconnectLocked()
			attempt = c.attempt
			c.mu.Unlock()

			c.notifyState(StateDisconnected, attempt)
			if c.onAuthNeeded != nil {
				c.onAuthNeeded()
			}
			return fmt.Errorf("refresh credentials: %w", err)
		}
		token = fresh
	}

	conn, err := c.dial(c.url + "?token=" + url.QueryEscape(token))
	if err != nil {
		c.logger.Printf("dial %s: %v", c.url, err)
		c.mu.Lock()
		c.state = StateDisconnected
		c.scheduleReconnectLocked()
		attempt = c.attempt
		c.mu.Unlock()

		c.notifyState(StateDisconnected, attempt)
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.attempt = 0
	c.state = StateConnected
	pending := c.queue.drain()
	resync := c.wasConnected
	c.wasConnected = true
	c.mu.Unlock()

	if resync {
		c.stats.Incr("NumReconnects")
	}
	c.notifyState(StateConnected, 0)

	go c.readPump(conn, gen)
	go c.keepalive(conn, gen)

	// Queued sends get exactly one transmission attempt each, in FIFO
	// order. A write failure here surfaces through the sender's timeout
	// handling, not by re-queueing.
	for _, item := range pending {
		if err := c.writeFrame(conn, newSendFrame(item.roomID, item.text, item.attachments)); err != nil {
			c.logger.Printf("flush queued send: %v", err)
			continue
		}
		c.stats.Incr("NumSentMessages")
	}

	if resync && c.onResync != nil {
		c.onResync()
	}

	return nil
}

// SendMessage transmits a chat message, queueing it when the socket is
// down or the write fails. The return reports whether the frame went out
// on the wire now.
func (c *connManager) SendMessage(roomID int, text string, attachments []int) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	connected := c.state == StateConnected
	if !connected || conn == nil {
		c.queue.enqueue(queuedSend{roomID: roomID, text: text, attachments: attachments})
		n := c.queue.len()
		c.mu.Unlock()

		c.stats.Incr("NumQueuedSends")
		c.logger.Printf("socket not open, queued send (%d pending)", n)
		return false
	}
	c.mu.Unlock()

	if err := c.writeFrame(conn, newSendFrame(roomID, text, attachments)); err != nil {
		c.logger.Printf("send message: %v", err)
		c.mu.Lock()
		c.queue.enqueue(queuedSend{roomID: roomID, text: text, attachments: attachments})
		c.mu.Unlock()

		c.stats.Incr("NumQueuedSends")
		return false
	}

	c.stats.Incr("NumSentMessages")
	return true
}

// JoinRoom announces the active room on the socket. Best effort: a failed
// join is repaired by the next resync.
func (c *connManager) JoinRoom(roomID int) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	token, _ := c.creds.Token()
	return c.writeFrame(conn, newJoinFrame(roomID, token))
}

// Retry clears the backoff counter and any fatal auth state, then dials
// immediately. Wired to the user-facing "try again" control.
func (c *connManager) Retry() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.attempt = 0
	c.authFailed = false
	c.stopRetryTimerLocked()
	c.mu.Unlock()

	return c.Connect()
}

// Close tears the connection down permanently: retry timer cancelled,
// socket closed, queue dropped.
func (c *connManager) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopRetryTimerLocked()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.gen++
	c.queue.clear()
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.notifyState(StateDisconnected, 0)
	return nil
}

func (c *connManager) notifyState(s State, attempt int) {
	if c.onState != nil {
		c.onState(s, attempt)
	}
}

func (c *connManager) writeFrame(conn socketConn, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("serialize frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *connManager) readPump(conn socketConn, gen uint64) {
	defer func() {
		conn.Close()
		c.logger.Println("read pump exiting")
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.logger.Printf("ws: read: %v", err)
			}
			c.handleReadExit(gen)
			return
		}

		frame, err := parseServerFrame(raw)
		if err != nil {
			c.logger.Printf("dropping malformed frame: %v", err)
			c.stats.Incr("NumDroppedFrames")
			continue
		}

		if frame.Type == frameAuthError {
			c.handleAuthError(gen)
		}

		if c.onFrame != nil {
			c.onFrame(frame)
		}

		if frame.Type == frameAuthError {
			return
		}
	}
}

// keepalive sends protocol pings so proxies keep the connection open and
// dead peers are detected by the read deadline.
func (c *connManager) keepalive(conn socketConn, gen uint64) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		stale := gen != c.gen || c.state != StateConnected
		c.mu.Unlock()
		if stale {
			return
		}

		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Printf("ping: %v", err)
			conn.Close()
			return
		}
	}
}

// handleReadExit reacts to an unexpected close of the current socket.
// Exits of superseded pumps are ignored via the generation counter.
func (c *connManager) handleReadExit(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.authFailed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.scheduleReconnectLocked()
	attempt := c.attempt
	c.mu.Unlock()

	c.notifyState(StateDisconnected, attempt)
}

// handleAuthError puts the manager into the fatal auth state: connection
// closed, no automatic reconnect until Retry after a re-login.
func (c *connManager) handleAuthError(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.authFailed = true
	c.stopRetryTimerLocked()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.notifyState(StateDisconnected, 0)
}

// scheduleReconnectLocked arms the retry timer. Callers hold mu.
func (c *connManager) scheduleReconnectLocked() {
	if c.closed || c.authFailed {
		return
	}
	c.stopRetryTimerLocked()

	if c.policy.Exhausted(c.attempt) {
		c.logger.Printf("giving up after %d reconnect attempts", c.attempt)
		if c.onExhausted != nil {
			go c.onExhausted()
		}
		return
	}

	delay := c.policy.Delay(c.attempt)
	c.attempt++
	c.logger.Printf("reconnecting in %s (attempt %d/%d)", delay, c.attempt, c.policy.MaxAttempts)
	c.retryTimer = c.afterFunc(delay, c.retryDial)
}

func (c *connManager) retryDial() {
	c.mu.Lock()
	if c.closed || c.authFailed || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.mu.Unlock()

	if err := c.Connect(); err != nil {
		c.logger.Printf("reconnect failed: %v", err)
	}
}

func (c *connManager) stopRetryTimerLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}
