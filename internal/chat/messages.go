package chat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Nirovitsky/baltek-business-chat/internal/types"
)

const (
	frameSendMessage      = "send_message"
	frameJoinRoom         = "join_room"
	frameMessageDelivered = "message_delivered"
	frameMessageReceived  = "message_received"
	frameReceiveMessage   = "receive_message"
	frameError            = "error"
	frameAuthError        = "auth_error"
)

// maxTextLen is the longest message text the server accepts, in runes.
const maxTextLen = 1024

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// Message is a single timeline entry. Server-acknowledged messages carry a
// non-zero ID; optimistic ones are identified by LocalID until
// reconciliation adopts the server's record. The two id spaces never
// collide.
type Message struct {
	ID          int
	LocalID     string
	RoomID      int
	Owner       int
	OwnerName   string
	Text        string
	Attachments []types.Attachment
	CreatedAt   time.Time
	Status      MessageStatus
	Optimistic  bool
	FailReason  string
}

// Key is the identity used for deduplication in the merge.
func (m Message) Key() string {
	if m.Optimistic {
		return m.LocalID
	}
	return strconv.Itoa(m.ID)
}

// fromWire converts a server message to a timeline entry. Display names
// are resolved later, at merge time, from room membership.
func fromWire(wire types.Message) Message {
	return Message{
		ID:          wire.Id,
		RoomID:      wire.Room,
		Owner:       wire.Owner,
		Text:        wire.Text,
		Attachments: wire.Attachments,
		CreatedAt:   time.Unix(wire.DateCreated, 0).UTC(),
		Status:      StatusDelivered,
	}
}

type sendFrame struct {
	Type string          `json:"type"`
	Data sendMessageData `json:"data"`
}

type sendMessageData struct {
	Room        int    `json:"room"`
	Text        string `json:"text"`
	Attachments []int  `json:"attachments,omitempty"`
}

type joinFrame struct {
	Type  string `json:"type"`
	Room  int    `json:"room"`
	Token string `json:"token"`
}

func newSendFrame(roomID int, text string, attachments []int) *sendFrame {
	return &sendFrame{
		Type: frameSendMessage,
		Data: sendMessageData{
			Room:        roomID,
			Text:        text,
			Attachments: attachments,
		},
	}
}

func newJoinFrame(roomID int, token string) *joinFrame {
	return &joinFrame{
		Type:  frameJoinRoom,
		Room:  roomID,
		Token: token,
	}
}

// serverFrame is the inbound envelope. Message is set for the delivery
// and receive kinds, Detail for error kinds when the server includes one.
type serverFrame struct {
	Type    string         `json:"type"`
	Message *types.Message `json:"message,omitempty"`
	Detail  string         `json:"detail,omitempty"`

	raw []byte
}

// errorDetail returns the best human-readable description of an error
// frame. Error payloads vary, so the raw frame is the fallback.
func (f *serverFrame) errorDetail() string {
	if f.Detail != "" {
		return f.Detail
	}
	return string(f.raw)
}

func parseServerFrame(raw []byte) (*serverFrame, error) {
	var frame serverFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}

	frame.raw = raw
	return &frame, nil
}

// normalizeText trims surrounding whitespace and caps the text at
// maxTextLen runes, matching what the server will accept.
func normalizeText(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > maxTextLen {
		return string(runes[:maxTextLen])
	}
	return text
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
