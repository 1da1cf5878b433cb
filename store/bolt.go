package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"

	"github.com/mqy/minichat/chatstore"
)

var (
	usersBucket         = []byte("users")
	followsBucket       = []byte("follows")
	conversationsBucket = []byte("conversations")
	pairsBucket         = []byte("pairs")
	// messages holds one nested bucket per conversation id, keyed by messageKey.
	messagesBucket = []byte("messages")
)

// BoltStore implements `IStore` on an embedded bbolt file, for standalone nodes and tests.
// bbolt serializes writers, so find-or-create never races.
type BoltStore struct {
	db *bbolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt `%s`: %v", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{usersBucket, followsBucket, conversationsBucket, pairsBucket, messagesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func followKey(follower, followee string) []byte {
	return []byte(follower + "\x00" + followee)
}

// messageKey orders by creation time, then by append sequence for equal times,
// matching the mysql `create_time, seq` order.
func messageKey(createTime time.Time, seq uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, uint64(createTime.UnixNano()))
	binary.BigEndian.PutUint64(b[8:], seq)
	return b
}

func getJSON(b *bbolt.Bucket, key []byte, v interface{}) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func putJSON(b *bbolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// PutUser seeds the embedded directory.
func (s *BoltStore) PutUser(_ context.Context, u *chatstore.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(usersBucket), []byte(u.ID), u)
	})
}

func (s *BoltStore) GetUser(_ context.Context, uid string) (*chatstore.User, error) {
	var u chatstore.User
	var found bool
	if err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = getJSON(tx.Bucket(usersBucket), []byte(uid), &u)
		return err
	}); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("user %q: %w", uid, chatstore.ErrNotFound)
	}
	return &u, nil
}

func (s *BoltStore) HasFollow(_ context.Context, follower, followee string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(followsBucket).Get(followKey(follower, followee)) != nil
		return nil
	})
	return found, err
}

func (s *BoltStore) AddFollow(_ context.Context, follower, followee string) (bool, error) {
	var created bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(followsBucket)
		key := followKey(follower, followee)
		if b.Get(key) != nil {
			return nil
		}
		created = true
		return b.Put(key, []byte(time.Now().Format(time.RFC3339Nano)))
	})
	return created, err
}

func (s *BoltStore) RemoveFollow(_ context.Context, follower, followee string) (bool, error) {
	var removed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(followsBucket)
		key := followKey(follower, followee)
		if b.Get(key) == nil {
			return nil
		}
		removed = true
		return b.Delete(key)
	})
	return removed, err
}

func (s *BoltStore) TopFollowed(_ context.Context, limit int) ([]*chatstore.FollowCount, error) {
	counts := make(map[string]int)
	if err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(followsBucket).ForEach(func(k, _ []byte) error {
			if i := bytes.IndexByte(k, 0); i >= 0 {
				counts[string(k[i+1:])]++
			}
			return nil
		})
	}); err != nil {
		return nil, err
	}

	out := make([]*chatstore.FollowCount, 0, len(counts))
	for uid, n := range counts {
		out = append(out, &chatstore.FollowCount{UserID: uid, Followers: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Followers != out[j].Followers {
			return out[i].Followers > out[j].Followers
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func getConversation(tx *bbolt.Tx, id []byte) (*chatstore.Conversation, error) {
	var c chatstore.Conversation
	found, err := getJSON(tx.Bucket(conversationsBucket), id, &c)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("conversation %s: %w", id, chatstore.ErrNotFound)
	}
	return &c, nil
}

func (s *BoltStore) GetConversation(_ context.Context, id string) (*chatstore.Conversation, error) {
	var c *chatstore.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		c, err = getConversation(tx, []byte(id))
		return err
	})
	return c, err
}

func (s *BoltStore) FindConversation(_ context.Context, a, b string) (*chatstore.Conversation, error) {
	var c *chatstore.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(pairsBucket).Get([]byte(chatstore.PairKey(a, b)))
		if id == nil {
			return fmt.Errorf("conversation %s: %w", chatstore.PairKey(a, b), chatstore.ErrNotFound)
		}
		var err error
		c, err = getConversation(tx, id)
		return err
	})
	return c, err
}

func (s *BoltStore) FindOrCreateConversation(_ context.Context, a, b string) (*chatstore.Conversation, bool, error) {
	var c *chatstore.Conversation
	var created bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		pairs := tx.Bucket(pairsBucket)
		pairKey := []byte(chatstore.PairKey(a, b))
		if id := pairs.Get(pairKey); id != nil {
			var err error
			c, err = getConversation(tx, id)
			return err
		}

		c = newConversation(a, b, time.Now())
		created = true
		if err := pairs.Put(pairKey, []byte(c.ID)); err != nil {
			return err
		}
		return putJSON(tx.Bucket(conversationsBucket), []byte(c.ID), c)
	})
	if err != nil {
		return nil, false, err
	}
	return c, created, nil
}

func (s *BoltStore) DeleteConversation(_ context.Context, a, b string) (bool, error) {
	var deleted bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		pairs := tx.Bucket(pairsBucket)
		pairKey := []byte(chatstore.PairKey(a, b))
		id := pairs.Get(pairKey)
		if id == nil {
			return nil
		}
		// id is only valid during the tx and is invalidated by Delete.
		id = append([]byte(nil), id...)

		if err := pairs.Delete(pairKey); err != nil {
			return err
		}
		if err := tx.Bucket(conversationsBucket).Delete(id); err != nil {
			return err
		}
		if err := tx.Bucket(messagesBucket).DeleteBucket(id); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (s *BoltStore) ListConversations(_ context.Context, uid string) ([]*chatstore.Conversation, error) {
	var out []*chatstore.Conversation
	if err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var c chatstore.Conversation
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.Has(uid) {
				out = append(out, &c)
			}
			return nil
		})
	}); err != nil {
		return nil, err
	}
	chatstore.SortConversations(out)
	return out, nil
}

func (s *BoltStore) AppendMessage(_ context.Context, m *chatstore.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		c, err := getConversation(tx, []byte(m.ConversationID))
		if err != nil {
			return err
		}

		b, err := tx.Bucket(messagesBucket).CreateBucketIfNotExists([]byte(m.ConversationID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := messageKey(m.CreateTime, seq)
		if err := putJSON(b, key, m); err != nil {
			return err
		}

		c.LastMessageID = m.ID
		c.UpdateTime = m.CreateTime
		glog.V(5).Infof("bolt: conversation %s seq %d last message %s", c.ID, seq, m.ID)
		return putJSON(tx.Bucket(conversationsBucket), []byte(c.ID), c)
	})
}

func (s *BoltStore) CountMessages(_ context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(messagesBucket).Bucket([]byte(conversationID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *BoltStore) ListMessages(_ context.Context, conversationID string, offset, limit int) ([]*chatstore.Message, error) {
	var out []*chatstore.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(messagesBucket).Bucket([]byte(conversationID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var skipped int
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			if skipped < offset {
				skipped++
				continue
			}
			var m chatstore.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.ReadBy == nil {
				m.ReadBy = []string{}
			}
			out = append(out, &m)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) MarkRead(_ context.Context, conversationID, uid string) (int, error) {
	var changed int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(messagesBucket).Bucket([]byte(conversationID))
		if b == nil {
			return nil
		}

		updates := make(map[string]*chatstore.Message)
		if err := b.ForEach(func(k, v []byte) error {
			var m chatstore.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.SenderID == uid {
				return nil
			}
			for _, r := range m.ReadBy {
				if r == uid {
					return nil
				}
			}
			m.ReadBy = append(m.ReadBy, uid)
			updates[string(k)] = &m
			return nil
		}); err != nil {
			return err
		}

		for k, m := range updates {
			if err := putJSON(b, []byte(k), m); err != nil {
				return err
			}
		}
		changed = len(updates)
		return nil
	})
	return changed, err
}
