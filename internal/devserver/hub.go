package devserver

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Nirovitsky/baltek-business-chat/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
)

// fanout asks the hub to deliver a stored message to every connected
// member of its room except the sender.
type fanout struct {
	msg    types.Message
	sender *wsClient
}

type hub struct {
	log        *log.Logger
	store      *memStore
	register   chan *wsClient
	deregister chan *wsClient
	outbound   chan *fanout
	stop       chan struct{}
	done       chan struct{}
	clients    map[*wsClient]struct{}
}

func newHub(logger *log.Logger, store *memStore) *hub {
	return &hub{
		log:        logger,
		store:      store,
		register:   make(chan *wsClient),
		deregister: make(chan *wsClient),
		outbound:   make(chan *fanout, 256),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		clients:    make(map[*wsClient]struct{}),
	}
}

func (h *hub) run() {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.log.Printf("registered connection for user %d", c.user.Id)
		case c := <-h.deregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Printf("removed connection for user %d", c.user.Id)
			}
		case f := <-h.outbound:
			h.deliver(f)
		case <-h.stop:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return
		}
	}
}

// deliver fans a stored message out to the room's other connected
// members. Members whose active room is the message's room get a
// receive_message frame, the rest get a message_received notification.
func (h *hub) deliver(f *fanout) {
	for c := range h.clients {
		if c == f.sender {
			continue
		}
		if !h.store.isMember(f.msg.Room, c.user.Id) {
			continue
		}

		frame := receivedFrame(f.msg)
		if c.activeRoom() == f.msg.Room {
			frame = receiveFrame(f.msg)
		}
		if !c.queueFrame(frame, false) {
			h.log.Printf("send buffer full for user %d, dropping frame", c.user.Id)
		}
	}
}

func (h *hub) addClient(c *wsClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) removeClient(c *wsClient) {
	select {
	case h.deregister <- c:
	case <-h.done:
	}
}

func (h *hub) broadcast(f *fanout) {
	select {
	case h.outbound <- f:
	case <-h.done:
	}
}

func (h *hub) shutdown() {
	close(h.stop)
	<-h.done
}

// outFrame pairs a frame with a fatal flag. A fatal frame is the last
// one written before the server closes the connection.
type outFrame struct {
	frame serverFrame
	fatal bool
}

type wsClient struct {
	user   types.User
	conn   *websocket.Conn
	hub    *hub
	app    *App
	log    *log.Logger
	send   chan outFrame
	roomMu sync.Mutex
	roomID int
}

func newWsClient(user types.User, conn *websocket.Conn, h *hub, app *App, logger *log.Logger) *wsClient {
	return &wsClient{
		user: user,
		conn: conn,
		hub:  h,
		app:  app,
		log:  logger,
		send: make(chan outFrame, 256),
	}
}

func (c *wsClient) activeRoom() int {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	return c.roomID
}

func (c *wsClient) setActiveRoom(roomID int) {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	c.roomID = roomID
}

func (c *wsClient) queueFrame(frame serverFrame, fatal bool) bool {
	select {
	case c.send <- outFrame{frame: frame, fatal: fatal}:
	default:
		c.log.Println("failed to queue frame, channel is full")
		return false
	}

	return true
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case out, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(out.frame)
			if err != nil {
				c.log.Println("failed to serialize frame:", err)
				continue
			}

			if !c.writeMessage(websocket.TextMessage, bytes) {
				return
			}
			if out.fatal {
				return
			}
		case <-ticker.C:
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.conn.Close()
		c.hub.removeClient(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws read: %v", err)
			}
			break
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Println("error parsing frame:", err)
			c.queueFrame(errorFrame("malformed frame"), false)
			continue
		}

		switch frame.Type {
		case frameJoinRoom:
			c.handleJoin(&frame)
		case frameSendMessage:
			c.handleSend(&frame)
		default:
			c.log.Printf("ignoring unknown frame type %q", frame.Type)
			c.queueFrame(errorFrame("unknown frame type"), false)
		}
	}
}

func (c *wsClient) handleJoin(frame *clientFrame) {
	userId, err := c.app.userIdFromToken(frame.Token, accessTokenType)
	if err != nil || userId != c.user.Id {
		c.log.Printf("join auth failed for user %d: %v", c.user.Id, err)
		c.queueFrame(authErrorFrame("token is invalid or expired"), true)
		return
	}

	if !c.hub.store.isMember(frame.Room, c.user.Id) {
		c.queueFrame(errorFrame("room not found"), false)
		return
	}

	c.setActiveRoom(frame.Room)
}

func (c *wsClient) handleSend(frame *clientFrame) {
	if frame.Data == nil {
		c.queueFrame(errorFrame("missing send_message data"), false)
		return
	}

	text := strings.TrimSpace(frame.Data.Text)
	if text == "" && len(frame.Data.Attachments) == 0 {
		c.queueFrame(errorFrame("message text is required"), false)
		return
	}
	if len([]rune(text)) > maxTextLen {
		c.queueFrame(errorFrame("message text is too long"), false)
		return
	}

	msg, err := c.hub.store.appendMessage(frame.Data.Room, c.user.Id, text, frame.Data.Attachments)
	if err != nil {
		c.log.Printf("append message from user %d: %v", c.user.Id, err)
		c.queueFrame(errorFrame(err.Error()), false)
		return
	}

	c.queueFrame(deliveredFrame(msg), false)
	c.hub.broadcast(&fanout{msg: msg, sender: c})
}

func (c *wsClient) writeMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

// serveWs upgrades the connection, then authenticates the token query
// parameter. Auth failures are reported in-band with an auth_error
// frame so clients can tell them apart from transport errors.
func (s *App) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.allowOrigin(r.Header.Get("Origin"))
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	userId, err := s.userIdFromToken(r.URL.Query().Get("token"), accessTokenType)
	if err != nil {
		s.log.Printf("ws auth: %v", err)
		s.rejectConn(conn)
		return
	}
	user, ok := s.store.accountByID(userId)
	if !ok {
		s.log.Printf("ws auth: no account %d", userId)
		s.rejectConn(conn)
		return
	}

	client := newWsClient(user, conn, s.hub, s, s.log)
	if !s.hub.addClient(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// rejectConn runs before the client's pumps exist, so writing directly
// to the conn is safe.
func (s *App) rejectConn(conn *websocket.Conn) {
	bytes, err := json.Marshal(authErrorFrame("token is invalid or expired"))
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, bytes)
	}
	conn.Close()
}
