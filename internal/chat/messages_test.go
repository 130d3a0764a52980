package chat

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Nirovitsky/baltek-business-chat/internal/types"
)

func Test_newSendFrame(t *testing.T) {
	t.Run("text only", func(t *testing.T) {
		data, err := json.Marshal(newSendFrame(5, "hi", nil))
		assert.NoError(t, err, "expected no error serializing frame")
		assert.Equal(t, `{"type":"send_message","data":{"room":5,"text":"hi"}}`, string(data),
			"expected attachments to be omitted when empty")
	})

	t.Run("with attachments", func(t *testing.T) {
		data, err := json.Marshal(newSendFrame(5, "hi", []int{3, 9}))
		assert.NoError(t, err, "expected no error serializing frame")
		assert.Equal(t, `{"type":"send_message","data":{"room":5,"text":"hi","attachments":[3,9]}}`, string(data),
			"expected attachment ids in the data payload")
	})
}

func Test_newJoinFrame(t *testing.T) {
	data, err := json.Marshal(newJoinFrame(7, "tok"))
	assert.NoError(t, err, "expected no error serializing frame")
	assert.Equal(t, `{"type":"join_room","room":7,"token":"tok"}`, string(data),
		"expected join frame to carry room and token")
}

func Test_parseServerFrame(t *testing.T) {
	tcases := []struct {
		name        string
		raw         string
		expectedErr bool
		expected    string
	}{
		{
			name:     "message received",
			raw:      `{"type":"message_received","message":{"id":1,"room":2,"owner":3,"text":"hey","date_created":1700000000}}`,
			expected: frameMessageReceived,
		},
		{
			name:     "error with detail",
			raw:      `{"type":"error","detail":"room is full"}`,
			expected: frameError,
		},
		{
			name:        "missing type",
			raw:         `{"message":{"id":1}}`,
			expectedErr: true,
		},
		{
			name:        "malformed json",
			raw:         `{"type":`,
			expectedErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := parseServerFrame([]byte(tc.raw))
			if tc.expectedErr {
				assert.Error(t, err, "expected parse to fail")
				return
			}

			assert.NoError(t, err, "expected parse to succeed")
			assert.Equal(t, tc.expected, frame.Type, "expected frame type to be decoded")
		})
	}
}

func Test_errorDetail(t *testing.T) {
	frame, err := parseServerFrame([]byte(`{"type":"error","detail":"room is full"}`))
	assert.NoError(t, err, "expected parse to succeed")
	assert.Equal(t, "room is full", frame.errorDetail(), "expected detail field to be used")

	raw := `{"type":"error","code":42}`
	frame, err = parseServerFrame([]byte(raw))
	assert.NoError(t, err, "expected parse to succeed")
	assert.Equal(t, raw, frame.errorDetail(), "expected raw frame as fallback for unknown error shapes")
}

func Test_fromWire(t *testing.T) {
	msg := fromWire(types.Message{
		Id:          42,
		Room:        2,
		Owner:       3,
		Text:        "hey",
		DateCreated: 1700000000,
	})

	assert.Equal(t, 42, msg.ID, "expected server id to be kept")
	assert.Equal(t, 2, msg.RoomID, "expected room id to be kept")
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), msg.CreatedAt, "expected unix seconds converted to UTC time")
	assert.Equal(t, StatusDelivered, msg.Status, "expected server messages to be delivered")
	assert.False(t, msg.Optimistic, "expected server messages to not be optimistic")
	assert.Empty(t, msg.OwnerName, "expected display name resolution to happen at merge time")
}

func Test_normalizeText(t *testing.T) {
	tcases := []struct {
		name     string
		text     string
		expected string
	}{
		{
			name:     "trims whitespace",
			text:     "  hello \n",
			expected: "hello",
		},
		{
			name:     "whitespace only becomes empty",
			text:     " \t ",
			expected: "",
		},
		{
			name:     "caps at limit in runes",
			text:     strings.Repeat("é", maxTextLen+10),
			expected: strings.Repeat("é", maxTextLen),
		},
		{
			name:     "short text unchanged",
			text:     "hi",
			expected: "hi",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, normalizeText(tc.text), "expected normalized text to match")
		})
	}
}

func TestMessageKey(t *testing.T) {
	server := Message{ID: 42}
	optimistic := Message{LocalID: "tmp-1-abc", Optimistic: true}

	assert.Equal(t, "42", server.Key(), "expected server messages keyed by id")
	assert.Equal(t, "tmp-1-abc", optimistic.Key(), "expected optimistic messages keyed by local id")
}
