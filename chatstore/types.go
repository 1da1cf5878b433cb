package chatstore

import (
	"sort"
	"strconv"
	"time"
)

// User is the profile summary served by the identity directory.
// Only the id matters to the chat core; the display name is resolved for listings.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// FollowEdge is a directed follow record: follower subscribes to followee.
type FollowEdge struct {
	FollowerID string    `json:"followerId"`
	FolloweeID string    `json:"followeeId"`
	CreateTime time.Time `json:"createdAt"`
}

// FollowCount is a followee with its number of followers.
type FollowCount struct {
	UserID    string `json:"userId"`
	Followers int    `json:"followers"`
}

// Conversation is a thread scoped to exactly one unordered pair of users.
// Participants are always stored sorted, see `Pair`.
type Conversation struct {
	ID            string    `json:"id"`
	Participants  [2]string `json:"participants"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	CreateTime    time.Time `json:"createdAt"`
	UpdateTime    time.Time `json:"updatedAt"`
}

// Has reports whether uid participates in the conversation.
func (c *Conversation) Has(uid string) bool {
	return c.Participants[0] == uid || c.Participants[1] == uid
}

// Peer returns the other participant, or "" when uid is not a participant.
func (c *Conversation) Peer(uid string) string {
	switch uid {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}

// PairKey returns the key identifying the unordered pair {a, b}.
func (c *Conversation) PairKey() string {
	return PairKey(c.Participants[0], c.Participants[1])
}

// Pair returns a and b in canonical (sorted) order.
func Pair(a, b string) [2]string {
	if b < a {
		return [2]string{b, a}
	}
	return [2]string{a, b}
}

// PairKey returns a string key for the unordered pair {a, b}. The first id is length
// prefixed, so ids containing the separator never make two pairs share a key.
func PairKey(a, b string) string {
	p := Pair(a, b)
	return strconv.Itoa(len(p[0])) + ":" + p[0] + ":" + p[1]
}

// SortConversations orders by most recent activity first.
func SortConversations(slice []*Conversation) {
	sort.SliceStable(slice, func(i, j int) bool {
		if !slice[i].UpdateTime.Equal(slice[j].UpdateTime) {
			return slice[i].UpdateTime.After(slice[j].UpdateTime)
		}
		return slice[i].CreateTime.After(slice[j].CreateTime)
	})
}

// ConversationSummary is a conversation with participant profiles resolved.
type ConversationSummary struct {
	ID            string    `json:"id"`
	Participants  []*User   `json:"participants"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	CreateTime    time.Time `json:"createdAt"`
	UpdateTime    time.Time `json:"updatedAt"`
}

// Message is an immutable chat message; only ReadBy grows over time.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	ReadBy         []string  `json:"readBy"`
	CreateTime     time.Time `json:"createdAt"`
}

// MessagePage is one page of a conversation.
// Page 1 is the most recent window; messages inside a page are oldest first.
type MessagePage struct {
	TotalMessages int        `json:"totalMessages"`
	CurrentPage   int        `json:"currentPage"`
	TotalPages    int        `json:"totalPages"`
	Messages      []*Message `json:"messages"`
}
