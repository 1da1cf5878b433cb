package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
)

const (
	getUserSQL      = "SELECT id, display_name FROM users WHERE id=?"
	putUserSQL      = "INSERT INTO users (id, display_name) VALUES (?,?) ON DUPLICATE KEY UPDATE display_name=VALUES(display_name)"
	hasFollowSQL    = "SELECT 1 FROM follows WHERE follower_id=? AND followee_id=?"
	insertFollowSQL = "INSERT INTO follows (follower_id, followee_id, create_time) VALUES (?,?,?)"
	deleteFollowSQL = "DELETE FROM follows WHERE follower_id=? AND followee_id=?"
	topFollowedSQL  = "SELECT followee_id, COUNT(follower_id) AS n FROM follows " +
		"GROUP BY followee_id ORDER BY n DESC, followee_id LIMIT ?"
)

const (
	convColumns      = "id, user_a, user_b, last_message_id, create_time, update_time"
	getConvSQL       = "SELECT " + convColumns + " FROM conversations WHERE id=?"
	getConvByPairSQL = "SELECT " + convColumns + " FROM conversations WHERE user_a=? AND user_b=?"
	listConvsSQL     = "SELECT " + convColumns + " FROM conversations WHERE user_a=? OR user_b=? " +
		"ORDER BY update_time DESC, create_time DESC"
	insertConvSQL     = "INSERT INTO conversations (id, user_a, user_b, create_time, update_time) VALUES (?,?,?,?,?)"
	lockConvByPairSQL = "SELECT id FROM conversations WHERE user_a=? AND user_b=? FOR UPDATE"
	lockConvSQL       = "SELECT id FROM conversations WHERE id=? FOR UPDATE"
	deleteConvSQL     = "DELETE FROM conversations WHERE id=?"
	deleteReadsSQL    = "DELETE r FROM message_reads AS r, messages AS m WHERE r.message_id = m.id AND m.conversation_id=?"
	deleteMessagesSQL = "DELETE FROM messages WHERE conversation_id=?"
	setLastMessageSQL = "UPDATE conversations SET last_message_id=?, update_time=? WHERE id=?"
)

const (
	insertMessageSQL = "INSERT INTO messages (id, conversation_id, sender_id, text, create_time) VALUES (?,?,?,?,?)"
	countMessagesSQL = "SELECT COUNT(seq) FROM messages WHERE conversation_id=?"
	listMessagesSQL  = "SELECT id, sender_id, text, create_time FROM messages WHERE conversation_id=? " +
		"ORDER BY create_time DESC, seq DESC LIMIT ? OFFSET ?"
	getReadersSQL = "SELECT message_id, uid FROM message_reads WHERE message_id IN (%s)"
	markReadSQL   = "INSERT IGNORE INTO message_reads (message_id, uid) " +
		"SELECT id, ? FROM messages WHERE conversation_id=? AND sender_id<>?"
)

// MysqlStore implements `IStore` on MySQL, see dev/mysql.sql for the schema.
type MysqlStore struct {
	*sql.DB
}

func NewMysqlStore(db *sql.DB) *MysqlStore {
	return &MysqlStore{db}
}

func (s *MysqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *MysqlStore) IsDupKeyError(err error) bool {
	var val *mysql.MySQLError
	if errors.As(err, &val) {
		return val.Number == 1062
	}
	return false
}

func (s *MysqlStore) PutUser(ctx context.Context, u *chatstore.User) error {
	_, err := s.ExecContext(ctx, putUserSQL, u.ID, u.DisplayName)
	return err
}

func (s *MysqlStore) GetUser(ctx context.Context, uid string) (*chatstore.User, error) {
	var u chatstore.User
	row := s.QueryRowContext(ctx, getUserSQL, uid)
	if err := row.Scan(&u.ID, &u.DisplayName); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user %q: %w", uid, chatstore.ErrNotFound)
		}
		glog.Errorf("get user scan err: %v", err)
		return nil, err
	}
	return &u, nil
}

func (s *MysqlStore) HasFollow(ctx context.Context, follower, followee string) (bool, error) {
	var one int
	row := s.QueryRowContext(ctx, hasFollowSQL, follower, followee)
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		glog.Errorf("has follow scan err: %v", err)
		return false, err
	}
	return true, nil
}

func (s *MysqlStore) AddFollow(ctx context.Context, follower, followee string) (bool, error) {
	if _, err := s.ExecContext(ctx, insertFollowSQL, follower, followee, time.Now()); err != nil {
		if s.IsDupKeyError(err) {
			return false, nil
		}
		glog.Errorf("insert follow exec err: %v", err)
		return false, err
	}
	return true, nil
}

func (s *MysqlStore) RemoveFollow(ctx context.Context, follower, followee string) (bool, error) {
	res, err := s.ExecContext(ctx, deleteFollowSQL, follower, followee)
	if err != nil {
		glog.Errorf("delete follow exec err: %v", err)
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MysqlStore) TopFollowed(ctx context.Context, limit int) ([]*chatstore.FollowCount, error) {
	rows, err := s.QueryContext(ctx, topFollowedSQL, limit)
	if err != nil {
		glog.Errorf("top followed query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []*chatstore.FollowCount
	for rows.Next() {
		var fc chatstore.FollowCount
		if err := rows.Scan(&fc.UserID, &fc.Followers); err != nil {
			return nil, err
		}
		out = append(out, &fc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*chatstore.Conversation, error) {
	var c chatstore.Conversation
	var last sql.NullString
	if err := row.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &last, &c.CreateTime, &c.UpdateTime); err != nil {
		return nil, err
	}
	c.LastMessageID = last.String
	return &c, nil
}

func (s *MysqlStore) getConversation(ctx context.Context, query string, args ...interface{}) (*chatstore.Conversation, error) {
	c, err := scanConversation(s.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("conversation %v: %w", args, chatstore.ErrNotFound)
		}
		glog.Errorf("get conversation scan err: %v", err)
		return nil, err
	}
	return c, nil
}

func (s *MysqlStore) GetConversation(ctx context.Context, id string) (*chatstore.Conversation, error) {
	return s.getConversation(ctx, getConvSQL, id)
}

func (s *MysqlStore) FindConversation(ctx context.Context, a, b string) (*chatstore.Conversation, error) {
	p := chatstore.Pair(a, b)
	return s.getConversation(ctx, getConvByPairSQL, p[0], p[1])
}

func (s *MysqlStore) FindOrCreateConversation(ctx context.Context, a, b string) (*chatstore.Conversation, bool, error) {
	c, err := s.FindConversation(ctx, a, b)
	if err == nil {
		return c, false, nil
	} else if !errors.Is(err, chatstore.ErrNotFound) {
		return nil, false, err
	}

	c = newConversation(a, b, time.Now())
	if _, err := s.ExecContext(ctx, insertConvSQL, c.ID, c.Participants[0], c.Participants[1],
		c.CreateTime, c.UpdateTime); err != nil {
		if s.IsDupKeyError(err) {
			// Lost the race against a concurrent create of the same pair: read the winner.
			glog.V(5).Infof("conversation %s: %v, reading existing", c.PairKey(), chatstore.ErrConflict)
			c, err := s.FindConversation(ctx, a, b)
			return c, false, err
		}
		glog.Errorf("insert conversation exec err: %v", err)
		return nil, false, err
	}
	return c, true, nil
}

func (s *MysqlStore) DeleteConversation(ctx context.Context, a, b string) (bool, error) {
	var deleted bool
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var id string
		p := chatstore.Pair(a, b)
		row := tx.QueryRowContext(ctx, lockConvByPairSQL, p[0], p[1])
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}

		for _, q := range []string{deleteReadsSQL, deleteMessagesSQL, deleteConvSQL} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				glog.Errorf("delete conversation exec err: %v", err)
				return err
			}
		}
		deleted = true
		return nil
	}); err != nil {
		return false, err
	}
	return deleted, nil
}

func (s *MysqlStore) ListConversations(ctx context.Context, uid string) ([]*chatstore.Conversation, error) {
	rows, err := s.QueryContext(ctx, listConvsSQL, uid, uid)
	if err != nil {
		glog.Errorf("list conversations query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []*chatstore.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			glog.Errorf("list conversations scan err: %v", err)
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *MysqlStore) AppendMessage(ctx context.Context, m *chatstore.Message) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var id string
		row := tx.QueryRowContext(ctx, lockConvSQL, m.ConversationID)
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("conversation %s: %w", m.ConversationID, chatstore.ErrNotFound)
			}
			return err
		}

		if _, err := tx.ExecContext(ctx, insertMessageSQL, m.ID, m.ConversationID, m.SenderID, m.Text, m.CreateTime); err != nil {
			glog.Errorf("insert message exec err: %v", err)
			return err
		}
		if _, err := tx.ExecContext(ctx, setLastMessageSQL, m.ID, m.CreateTime, m.ConversationID); err != nil {
			glog.Errorf("update last message exec err: %v", err)
			return err
		}
		return nil
	})
}

func (s *MysqlStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := s.QueryRowContext(ctx, countMessagesSQL, conversationID).Scan(&n); err != nil {
		glog.Errorf("count messages scan err: %v", err)
		return 0, err
	}
	return n, nil
}

func (s *MysqlStore) ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]*chatstore.Message, error) {
	var out []*chatstore.Message
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, listMessagesSQL, conversationID, limit, offset)
		if err != nil {
			glog.Errorf("list messages query err: %v", err)
			return err
		}
		defer rows.Close()

		byID := make(map[string]*chatstore.Message)
		for rows.Next() {
			m := chatstore.Message{ConversationID: conversationID, ReadBy: []string{}}
			if err := rows.Scan(&m.ID, &m.SenderID, &m.Text, &m.CreateTime); err != nil {
				glog.Errorf("list messages scan err: %v", err)
				return err
			}
			out = append(out, &m)
			byID[m.ID] = &m
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		return s.fillReaders(ctx, tx, byID)
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MysqlStore) fillReaders(ctx context.Context, tx *sql.Tx, byID map[string]*chatstore.Message) error {
	args := make([]interface{}, 0, len(byID))
	for id := range byID {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(getReadersSQL, placeholders), args...)
	if err != nil {
		glog.Errorf("get readers query err: %v", err)
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var mid, uid string
		if err := rows.Scan(&mid, &uid); err != nil {
			return err
		}
		if m, ok := byID[mid]; ok {
			m.ReadBy = append(m.ReadBy, uid)
		}
	}
	return rows.Err()
}

func (s *MysqlStore) MarkRead(ctx context.Context, conversationID, uid string) (int, error) {
	res, err := s.ExecContext(ctx, markReadSQL, uid, conversationID, uid)
	if err != nil {
		glog.Errorf("mark read exec err: %v", err)
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *MysqlStore) Close() error {
	return s.DB.Close()
}
