package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/store"
)

const (
	DefaultPageSize = 15
	MaxPageSize     = 100

	DefaultMaxTextBytes = 4096
)

// Service persists messages and serves the paginated history.
type Service struct {
	convs        store.IConversationStore
	msgs         store.IMessageStore
	maxTextBytes int
	now          func() time.Time
}

func NewService(convs store.IConversationStore, msgs store.IMessageStore, maxTextBytes int) *Service {
	if maxTextBytes <= 0 {
		maxTextBytes = DefaultMaxTextBytes
	}
	return &Service{
		convs:        convs,
		msgs:         msgs,
		maxTextBytes: maxTextBytes,
		now:          time.Now,
	}
}

// GetConversation returns the conversation or an error wrapping `chatstore.ErrNotFound`.
func (s *Service) GetConversation(ctx context.Context, id string) (*chatstore.Conversation, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: conversation id is required", chatstore.ErrInvalidArgument)
	}
	c, err := s.convs.GetConversation(ctx, id)
	if err != nil {
		return nil, storeError("get conversation", err)
	}
	return c, nil
}

// AppendMessage persists a message from sender, who must participate in the conversation,
// and moves the conversation's last message pointer to it.
func (s *Service) AppendMessage(ctx context.Context, conversationID, sender, text string) (*chatstore.Message, error) {
	m, _, err := s.appendMessage(ctx, conversationID, sender, text)
	return m, err
}

func (s *Service) appendMessage(ctx context.Context, conversationID, sender, text string) (*chatstore.Message, *chatstore.Conversation, error) {
	text = strings.TrimSpace(text)
	var errs []string
	if sender == "" {
		errs = append(errs, "sender: required")
	}
	if text == "" {
		errs = append(errs, "text: required")
	} else if len(text) > s.maxTextBytes {
		errs = append(errs, fmt.Sprintf("text: exceeds %d bytes", s.maxTextBytes))
	}
	if len(errs) > 0 {
		return nil, nil, fmt.Errorf("%w: %s", chatstore.ErrInvalidArgument, strings.Join(errs, "; "))
	}

	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if !c.Has(sender) {
		return nil, nil, fmt.Errorf("%w: %s is not a participant of %s", chatstore.ErrInvalidArgument, sender, c.ID)
	}

	m := &chatstore.Message{
		ID:             store.NewID(),
		ConversationID: c.ID,
		SenderID:       sender,
		Text:           text,
		ReadBy:         []string{},
		CreateTime:     s.now(),
	}
	if err := s.msgs.AppendMessage(ctx, m); err != nil {
		return nil, nil, storeError("append message", err)
	}
	return m, c, nil
}

// GetMessages returns one page of the conversation. Page 1 is the most recent window;
// inside a page messages are oldest first; higher pages walk back in time.
func (s *Service) GetMessages(ctx context.Context, conversationID string, page, pageSize int) (*chatstore.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	} else if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	total, err := s.msgs.CountMessages(ctx, conversationID)
	if err != nil {
		return nil, storeError("count messages", err)
	}
	slice, err := s.msgs.ListMessages(ctx, conversationID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, storeError("list messages", err)
	}

	return &chatstore.MessagePage{
		TotalMessages: total,
		CurrentPage:   page,
		TotalPages:    (total + pageSize - 1) / pageSize,
		Messages:      reverse(slice),
	}, nil
}

// MarkRead marks the conversation read by reader, who must be a participant.
func (s *Service) MarkRead(ctx context.Context, conversationID, reader string) (int, error) {
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !c.Has(reader) {
		return 0, fmt.Errorf("%w: %s is not a participant of %s", chatstore.ErrInvalidArgument, reader, c.ID)
	}
	n, err := s.msgs.MarkRead(ctx, conversationID, reader)
	if err != nil {
		return 0, storeError("mark read", err)
	}
	return n, nil
}

// reverse turns a newest first slice into oldest first, in place.
func reverse(slice []*chatstore.Message) []*chatstore.Message {
	if slice == nil {
		return []*chatstore.Message{}
	}
	for i, j := 0, len(slice)-1; i < j; i, j = i+1, j-1 {
		slice[i], slice[j] = slice[j], slice[i]
	}
	return slice
}

// storeError keeps not found errors and wraps everything else as a persistence failure.
func storeError(what string, err error) error {
	if errors.Is(err, chatstore.ErrNotFound) || errors.Is(err, chatstore.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", chatstore.ErrPersistence, what, err)
}
