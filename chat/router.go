package chat

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/events"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/wire"
)

const (
	pushDelivered = "delivered"
	pushOffline   = "offline"
	pushFailed    = "failed"
)

var pushCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "minichat",
	Name:      "message_pushes_total",
	Help:      "Live pushes of persisted messages by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(pushCounter)
}

// Locator finds the live connection of a user.
type Locator interface {
	Lookup(uid string) (presence.Conn, bool)
}

// Router persists every message first, then pushes it to the receiver if present.
// Push is at most once and best-effort: the message store is the only durable truth and
// an offline or unreachable receiver sees the message on its next fetch.
type Router struct {
	chat      *Service
	locator   Locator
	publisher events.Publisher
}

func NewRouter(chat *Service, locator Locator, publisher events.Publisher) *Router {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Router{chat: chat, locator: locator, publisher: publisher}
}

// SendMessage appends the message; only a persisted message is pushed.
func (r *Router) SendMessage(ctx context.Context, conversationID, sender, text string) (*chatstore.Message, error) {
	m, c, err := r.chat.appendMessage(ctx, conversationID, sender, text)
	if err != nil {
		return nil, err
	}

	r.push(c.Peer(sender), m)

	events.PublishQuietly(ctx, r.publisher, &events.Event{
		Type:           events.TypeMessage,
		Actor:          sender,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
	})
	return m, nil
}

// Relay sends text from sender to receiver through their pair's conversation.
func (r *Router) Relay(ctx context.Context, sender, receiver, text string) (*chatstore.Message, error) {
	if sender == "" || receiver == "" {
		return nil, fmt.Errorf("%w: sender and receiver are required", chatstore.ErrInvalidArgument)
	}
	if sender == receiver {
		return nil, fmt.Errorf("%w: cannot message yourself", chatstore.ErrInvalidArgument)
	}
	c, err := r.chat.convs.FindConversation(ctx, sender, receiver)
	if err != nil {
		return nil, storeError("find conversation", err)
	}
	return r.SendMessage(ctx, c.ID, sender, text)
}

func (r *Router) push(receiver string, m *chatstore.Message) {
	conn, ok := r.locator.Lookup(receiver)
	if !ok {
		pushCounter.WithLabelValues(pushOffline).Inc()
		glog.V(5).Infof("router: %s is offline, message %s stays in store", receiver, m.ID)
		return
	}

	err := conn.Send(&wire.ServerMsg{IncomingMessage: &wire.IncomingMessage{
		SenderID:       m.SenderID,
		Text:           m.Text,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
	}})
	if err != nil {
		pushCounter.WithLabelValues(pushFailed).Inc()
		glog.Errorf("router: push message %s to %s session %s: %v", m.ID, receiver, conn.Sid(),
			fmt.Errorf("%w: %v", chatstore.ErrTransport, err))
		return
	}
	pushCounter.WithLabelValues(pushDelivered).Inc()
}
