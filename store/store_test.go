package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/chatstore"
)

// runStoreTests runs the behaviour every `IStore` implementation must share.
func runStoreTests(t *testing.T, newStore func(t *testing.T) IStore) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("follows", func(t *testing.T) { testFollows(t, newStore(t)) })
	t.Run("find or create", func(t *testing.T) { testFindOrCreate(t, newStore(t)) })
	t.Run("find or create concurrently", func(t *testing.T) { testFindOrCreateConcurrently(t, newStore(t)) })
	t.Run("delete conversation", func(t *testing.T) { testDeleteConversation(t, newStore(t)) })
	t.Run("messages", func(t *testing.T) { testMessages(t, newStore(t)) })
	t.Run("messages by create time", func(t *testing.T) { testMessagesByCreateTime(t, newStore(t)) })
	t.Run("ids containing separator", func(t *testing.T) { testSeparatorInIDs(t, newStore(t)) })
	t.Run("mark read", func(t *testing.T) { testMarkRead(t, newStore(t)) })
}

func testFollows(t *testing.T, s IStore) {
	req := require.New(t)
	ctx := context.Background()

	ok, err := s.HasFollow(ctx, "alice", "bob")
	req.NoError(err)
	req.False(ok)

	created, err := s.AddFollow(ctx, "alice", "bob")
	req.NoError(err)
	req.True(created)

	created, err = s.AddFollow(ctx, "alice", "bob")
	req.NoError(err)
	req.False(created, "second add is a no-op")

	ok, err = s.HasFollow(ctx, "alice", "bob")
	req.NoError(err)
	req.True(ok)

	ok, err = s.HasFollow(ctx, "bob", "alice")
	req.NoError(err)
	req.False(ok, "edges are directed")

	_, err = s.AddFollow(ctx, "carol", "bob")
	req.NoError(err)
	_, err = s.AddFollow(ctx, "bob", "carol")
	req.NoError(err)

	top, err := s.TopFollowed(ctx, 10)
	req.NoError(err)
	req.Len(top, 2)
	req.Equal(&chatstore.FollowCount{UserID: "bob", Followers: 2}, top[0])
	req.Equal(&chatstore.FollowCount{UserID: "carol", Followers: 1}, top[1])

	top, err = s.TopFollowed(ctx, 1)
	req.NoError(err)
	req.Len(top, 1)

	removed, err := s.RemoveFollow(ctx, "alice", "bob")
	req.NoError(err)
	req.True(removed)

	removed, err = s.RemoveFollow(ctx, "alice", "bob")
	req.NoError(err)
	req.False(removed)
}

func testFindOrCreate(t *testing.T, s IStore) {
	req := require.New(t)
	ctx := context.Background()

	_, err := s.FindConversation(ctx, "alice", "bob")
	req.ErrorIs(err, chatstore.ErrNotFound)

	c1, created, err := s.FindOrCreateConversation(ctx, "bob", "alice")
	req.NoError(err)
	req.True(created)
	req.Equal([2]string{"alice", "bob"}, c1.Participants)

	c2, created, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	req.NoError(err)
	req.False(created)
	req.Equal(c1.ID, c2.ID)

	c3, err := s.GetConversation(ctx, c1.ID)
	req.NoError(err)
	req.Equal(c1.ID, c3.ID)

	_, err = s.GetConversation(ctx, "nope")
	req.ErrorIs(err, chatstore.ErrNotFound)

	list, err := s.ListConversations(ctx, "alice")
	req.NoError(err)
	req.Len(list, 1)

	list, err = s.ListConversations(ctx, "carol")
	req.NoError(err)
	req.Empty(list)
}

func testFindOrCreateConcurrently(t *testing.T, s IStore) {
	ctx := context.Background()

	const N = 20
	ids := make([]string, N)
	var createdCount int
	var lock sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			c, created, err := s.FindOrCreateConversation(ctx, a, b)
			if !assert.NoError(t, err) {
				return
			}
			lock.Lock()
			ids[i] = c.ID
			if created {
				createdCount++
			}
			lock.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func testDeleteConversation(t *testing.T, s IStore) {
	req := require.New(t)
	ctx := context.Background()

	deleted, err := s.DeleteConversation(ctx, "alice", "bob")
	req.NoError(err)
	req.False(deleted)

	c, _, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	req.NoError(err)
	req.NoError(s.AppendMessage(ctx, newTestMessage(c.ID, "alice", "hi", time.Now())))

	deleted, err = s.DeleteConversation(ctx, "bob", "alice")
	req.NoError(err)
	req.True(deleted)

	_, err = s.GetConversation(ctx, c.ID)
	req.ErrorIs(err, chatstore.ErrNotFound)

	n, err := s.CountMessages(ctx, c.ID)
	req.NoError(err)
	req.Zero(n)

	// A new follow gets a fresh conversation.
	c2, created, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	req.NoError(err)
	req.True(created)
	req.NotEqual(c.ID, c2.ID)
}

func testMessages(t *testing.T, s IStore) {
	req := require.New(t)
	ctx := context.Background()

	err := s.AppendMessage(ctx, newTestMessage("nope", "alice", "hi", time.Now()))
	req.ErrorIs(err, chatstore.ErrNotFound)

	c, _, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	req.NoError(err)

	base := time.Now().Truncate(time.Millisecond)
	var ids []string
	for i := 0; i < 5; i++ {
		m := newTestMessage(c.ID, "alice", fmt.Sprintf("m%d", i+1), base.Add(time.Duration(i)*time.Millisecond))
		req.NoError(s.AppendMessage(ctx, m))
		ids = append(ids, m.ID)
	}

	n, err := s.CountMessages(ctx, c.ID)
	req.NoError(err)
	req.Equal(5, n)

	got, err := s.GetConversation(ctx, c.ID)
	req.NoError(err)
	req.Equal(ids[4], got.LastMessageID)

	slice, err := s.ListMessages(ctx, c.ID, 0, 2)
	req.NoError(err)
	req.Equal([]string{"m5", "m4"}, texts(slice))

	slice, err = s.ListMessages(ctx, c.ID, 4, 2)
	req.NoError(err)
	req.Equal([]string{"m1"}, texts(slice))

	slice, err = s.ListMessages(ctx, c.ID, 10, 2)
	req.NoError(err)
	req.Empty(slice)
}

func testMarkRead(t *testing.T, s IStore) {
	req := require.New(t)
	ctx := context.Background()

	c, _, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	req.NoError(err)
	now := time.Now()
	req.NoError(s.AppendMessage(ctx, newTestMessage(c.ID, "alice", "a1", now)))
	req.NoError(s.AppendMessage(ctx, newTestMessage(c.ID, "bob", "b1", now.Add(time.Millisecond))))
	req.NoError(s.AppendMessage(ctx, newTestMessage(c.ID, "alice", "a2", now.Add(2*time.Millisecond))))

	n, err := s.MarkRead(ctx, c.ID, "bob")
	req.NoError(err)
	req.Equal(2, n)

	n, err = s.MarkRead(ctx, c.ID, "bob")
	req.NoError(err)
	req.Zero(n)

	slice, err := s.ListMessages(ctx, c.ID, 0, 10)
	req.NoError(err)
	req.Len(slice, 3)
	for _, m := range slice {
		if m.SenderID == "alice" {
			req.Equal([]string{"bob"}, m.ReadBy)
		} else {
			req.Empty(m.ReadBy)
		}
	}
}

func newTestMessage(convID, sender, text string, at time.Time) *chatstore.Message {
	return &chatstore.Message{
		ID:             NewID(),
		ConversationID: convID,
		SenderID:       sender,
		Text:           text,
		ReadBy:         []string{},
		CreateTime:     at,
	}
}

func texts(slice []*chatstore.Message) []string {
	out := make([]string, 0, len(slice))
	for _, m := range slice {
		out = append(out, m.Text)
	}
	return out
}

func testUsers(t *testing.T, s IStore) {
	ctx := context.Background()

	_, err := s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, chatstore.ErrNotFound)

	require.NoError(t, s.PutUser(ctx, &chatstore.User{ID: "alice", DisplayName: "Al"}))
	require.NoError(t, s.PutUser(ctx, &chatstore.User{ID: "alice", DisplayName: "Alice"}))
	u, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &chatstore.User{ID: "alice", DisplayName: "Alice"}, u)
}

// A message stamped earlier but appended later still sorts by its creation time.
func testMessagesByCreateTime(t *testing.T, s IStore) {
	req := require.New(t)
	ctx := context.Background()

	c, _, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	req.NoError(err)

	base := time.Now().Truncate(time.Millisecond)
	req.NoError(s.AppendMessage(ctx, newTestMessage(c.ID, "alice", "later", base.Add(2*time.Millisecond))))
	req.NoError(s.AppendMessage(ctx, newTestMessage(c.ID, "bob", "earlier", base.Add(time.Millisecond))))
	req.NoError(s.AppendMessage(ctx, newTestMessage(c.ID, "bob", "latest", base.Add(3*time.Millisecond))))

	slice, err := s.ListMessages(ctx, c.ID, 0, 10)
	req.NoError(err)
	req.Equal([]string{"latest", "later", "earlier"}, texts(slice))

	slice, err = s.ListMessages(ctx, c.ID, 1, 1)
	req.NoError(err)
	req.Equal([]string{"later"}, texts(slice))
}

func testSeparatorInIDs(t *testing.T, s IStore) {
	req := require.New(t)
	ctx := context.Background()

	c1, created, err := s.FindOrCreateConversation(ctx, "a:b", "c")
	req.NoError(err)
	req.True(created)

	c2, created, err := s.FindOrCreateConversation(ctx, "a", "b:c")
	req.NoError(err)
	req.True(created)
	req.NotEqual(c1.ID, c2.ID)
	req.True(c2.Has("a"))
	req.True(c2.Has("b:c"))

	got, err := s.FindConversation(ctx, "b:c", "a")
	req.NoError(err)
	req.Equal(c2.ID, got.ID)

	deleted, err := s.DeleteConversation(ctx, "a", "b:c")
	req.NoError(err)
	req.True(deleted)

	got, err = s.FindConversation(ctx, "c", "a:b")
	req.NoError(err)
	req.Equal(c1.ID, got.ID)
}
