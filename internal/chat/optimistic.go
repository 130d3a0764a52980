package chat

import (
	"fmt"
	"time"

	"github.com/teris-io/shortid"

	"github.com/Nirovitsky/baltek-business-chat/internal/types"
)

// newLocalID returns the temporary id for an optimistic message. The
// millisecond timestamp plus a shortid make collisions across rapid sends
// practically impossible, and the "tmp-" prefix keeps the id space
// disjoint from numeric server ids.
func newLocalID() string {
	return fmt.Sprintf("tmp-%d-%s", time.Now().UnixMilli(), shortid.MustGenerate())
}

// newOptimistic builds the locally-rendered entry for a send attempt.
func newOptimistic(roomID int, text string, sender types.User, attachments []types.Attachment) Message {
	return Message{
		LocalID:     newLocalID(),
		RoomID:      roomID,
		Owner:       sender.Id,
		OwnerName:   sender.DisplayName(),
		Text:        text,
		Attachments: attachments,
		CreatedAt:   Now(),
		Status:      StatusSending,
		Optimistic:  true,
	}
}
