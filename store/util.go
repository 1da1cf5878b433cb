package store

import (
	"strings"
	"time"

	"github.com/pborman/uuid"

	"github.com/mqy/minichat/chatstore"
)

// NewID returns a random 32 hex chars id.
func NewID() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}

func newConversation(a, b string, now time.Time) *chatstore.Conversation {
	return &chatstore.Conversation{
		ID:           NewID(),
		Participants: chatstore.Pair(a, b),
		CreateTime:   now,
		UpdateTime:   now,
	}
}
