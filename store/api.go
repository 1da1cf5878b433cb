//go:generate mockgen -destination=mock/mock_api.go -package=mock_store github.com/mqy/minichat/store IConversationStore,IFollowStore,IMessageStore
package store

import (
	"context"

	"github.com/mqy/minichat/chatstore"
)

// IFollowStore is the social graph: directed follow edges.
type IFollowStore interface {
	// HasFollow reports whether the edge follower->followee exists.
	HasFollow(ctx context.Context, follower, followee string) (bool, error)

	// AddFollow creates the edge, returns false if it already existed.
	AddFollow(ctx context.Context, follower, followee string) (bool, error)

	// RemoveFollow deletes the edge, returns false if it did not exist.
	RemoveFollow(ctx context.Context, follower, followee string) (bool, error)

	// TopFollowed returns followees ordered by follower count DESC.
	TopFollowed(ctx context.Context, limit int) ([]*chatstore.FollowCount, error)
}

// IConversationStore keeps at most one conversation per unordered pair.
type IConversationStore interface {
	// FindOrCreateConversation returns the conversation of {a, b}, creating it if absent.
	// The bool result is true when this call created it. Duplicate pair races are resolved
	// by reading the winner.
	FindOrCreateConversation(ctx context.Context, a, b string) (*chatstore.Conversation, bool, error)

	// FindConversation returns the conversation of {a, b} or `chatstore.ErrNotFound`.
	FindConversation(ctx context.Context, a, b string) (*chatstore.Conversation, error)

	// GetConversation returns the conversation by id or `chatstore.ErrNotFound`.
	GetConversation(ctx context.Context, id string) (*chatstore.Conversation, error)

	// DeleteConversation deletes the conversation of {a, b} with its messages if present.
	// Returns false if there was none.
	DeleteConversation(ctx context.Context, a, b string) (bool, error)

	// ListConversations returns conversations of uid, most recently updated first.
	ListConversations(ctx context.Context, uid string) ([]*chatstore.Conversation, error)
}

// IMessageStore is the append-only per conversation message log.
type IMessageStore interface {
	// AppendMessage inserts m and points the conversation's last message at it.
	// Returns `chatstore.ErrNotFound` if the conversation does not exist.
	AppendMessage(ctx context.Context, m *chatstore.Message) error

	// CountMessages counts messages of the conversation.
	CountMessages(ctx context.Context, conversationID string) (int, error)

	// ListMessages gets messages order by create time DESC, skipping `offset`.
	ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]*chatstore.Message, error)

	// MarkRead adds uid to the readers of every message of the conversation that uid
	// did not send. Returns the number of messages changed.
	MarkRead(ctx context.Context, conversationID, uid string) (int, error)
}

// IStore is everything a node persists, plus the user directory it reads.
type IStore interface {
	IFollowStore
	IConversationStore
	IMessageStore

	PutUser(ctx context.Context, u *chatstore.User) error
	GetUser(ctx context.Context, uid string) (*chatstore.User, error)
	Close() error
}
