package devserver

import (
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

// maxTextLen is the longest accepted message text, in runes.
const maxTextLen = 1024

// clientFrame is the inbound envelope. send_message carries Data,
// join_room carries Room and Token.
type clientFrame struct {
	Type  string           `json:"type"`
	Data  *sendMessageData `json:"data,omitempty"`
	Room  int              `json:"room,omitempty"`
	Token string           `json:"token,omitempty"`
}

type sendMessageData struct {
	Room        int    `json:"room"`
	Text        string `json:"text"`
	Attachments []int  `json:"attachments,omitempty"`
}

type serverFrame struct {
	Type    string         `json:"type"`
	Message *types.Message `json:"message,omitempty"`
	Detail  string         `json:"detail,omitempty"`
}

func deliveredFrame(msg types.Message) serverFrame {
	return serverFrame{Type: frameMessageDelivered, Message: &msg}
}

func receivedFrame(msg types.Message) serverFrame {
	return serverFrame{Type: frameMessageReceived, Message: &msg}
}

func receiveFrame(msg types.Message) serverFrame {
	return serverFrame{Type: frameReceiveMessage, Message: &msg}
}

func errorFrame(detail string) serverFrame {
	return serverFrame{Type: frameError, Detail: detail}
}

func authErrorFrame(detail string) serverFrame {
	return serverFrame{Type: frameAuthError, Detail: detail}
}
