package social

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/events"
	"github.com/mqy/minichat/store"
)

const (
	BackoffMinInterval = 50 * time.Millisecond
	BackoffMaxInterval = 2 * time.Second
	BackoffMultiplier  = 1.5

	// attempts of the conversation step before reporting a persistence error.
	maxConvAttempts = 5

	MaxTopFollowed = 100
)

var toggleCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "minichat",
	Name:      "follow_toggles_total",
	Help:      "Follow toggles by resulting transition.",
}, []string{"transition"})

func init() {
	prometheus.MustRegister(toggleCounter)
}

// ToggleResult is the state after a follow toggle.
// Conversation is set only on a follow transition.
type ToggleResult struct {
	Following    bool                           `json:"following"`
	Conversation *chatstore.ConversationSummary `json:"conversation,omitempty"`
}

// Service owns follow edges and the conversation lifecycle they gate.
//
// Edge and conversation live in separate steps without a shared transaction. The
// conversation step is idempotent (find-or-create, delete-if-exists) and retried until it
// converges, so a crash or failure between the steps is repaired by retrying.
type Service struct {
	follows   store.IFollowStore
	convs     store.IConversationStore
	directory auth.Directory
	publisher events.Publisher

	minBackoff time.Duration
}

func NewService(follows store.IFollowStore, convs store.IConversationStore, directory auth.Directory,
	publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		follows:    follows,
		convs:      convs,
		directory:  directory,
		publisher:  publisher,
		minBackoff: BackoffMinInterval,
	}
}

func (s *Service) validatePair(ctx context.Context, actor, target string) error {
	if actor == "" || target == "" {
		return fmt.Errorf("%w: actor and target are required", chatstore.ErrInvalidArgument)
	}
	if actor == target {
		return fmt.Errorf("%w: cannot follow yourself", chatstore.ErrInvalidArgument)
	}
	for _, uid := range []string{actor, target} {
		if _, err := s.directory.GetUser(ctx, uid); err != nil {
			if errors.Is(err, chatstore.ErrNotFound) {
				return err
			}
			return fmt.Errorf("%w: get user %s: %v", chatstore.ErrPersistence, uid, err)
		}
	}
	return nil
}

// ToggleFollow flips the edge actor->target.
// Unfollow removes the edge then deletes the pair's conversation even when target still
// follows actor. Follow creates the edge then finds or creates the pair's conversation.
func (s *Service) ToggleFollow(ctx context.Context, actor, target string) (*ToggleResult, error) {
	if err := s.validatePair(ctx, actor, target); err != nil {
		return nil, err
	}

	following, err := s.follows.HasFollow(ctx, actor, target)
	if err != nil {
		return nil, fmt.Errorf("%w: has follow: %v", chatstore.ErrPersistence, err)
	}

	if following {
		if _, err := s.follows.RemoveFollow(ctx, actor, target); err != nil {
			return nil, fmt.Errorf("%w: remove follow: %v", chatstore.ErrPersistence, err)
		}
		if err := s.retry(ctx, "delete conversation", func() error {
			deleted, err := s.convs.DeleteConversation(ctx, actor, target)
			if err == nil && deleted {
				glog.V(5).Infof("social: %s unfollowed %s, conversation deleted", actor, target)
			}
			return err
		}); err != nil {
			return nil, err
		}

		toggleCounter.WithLabelValues(events.TypeUnfollow).Inc()
		events.PublishQuietly(ctx, s.publisher, &events.Event{Type: events.TypeUnfollow, Actor: actor, Target: target})
		return &ToggleResult{Following: false}, nil
	}

	if _, err := s.follows.AddFollow(ctx, actor, target); err != nil {
		return nil, fmt.Errorf("%w: add follow: %v", chatstore.ErrPersistence, err)
	}

	var conv *chatstore.Conversation
	if err := s.retry(ctx, "find or create conversation", func() error {
		c, created, err := s.convs.FindOrCreateConversation(ctx, actor, target)
		if err == nil {
			conv = c
			if created {
				glog.V(5).Infof("social: %s followed %s, conversation %s created", actor, target, c.ID)
			}
		}
		return err
	}); err != nil {
		return nil, err
	}

	toggleCounter.WithLabelValues(events.TypeFollow).Inc()
	events.PublishQuietly(ctx, s.publisher, &events.Event{
		Type:           events.TypeFollow,
		Actor:          actor,
		Target:         target,
		ConversationID: conv.ID,
	})
	return &ToggleResult{Following: true, Conversation: s.summarize(ctx, conv)}, nil
}

// retry runs fn until it succeeds, attempts are exhausted or ctx is done.
func (s *Service) retry(ctx context.Context, what string, fn func() error) error {
	var sleep time.Duration
	var err error
	for i := 0; i < maxConvAttempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		glog.Errorf("social: %s error, attempt %d: %v", what, i+1, err)
		if i+1 == maxConvAttempts {
			break
		}
		s.backoff(&sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", chatstore.ErrPersistence, what, ctx.Err())
		}
	}
	return fmt.Errorf("%w: %s: %v", chatstore.ErrPersistence, what, err)
}

func (s *Service) backoff(d *time.Duration) {
	if *d == 0 {
		*d = s.minBackoff
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d > BackoffMaxInterval {
			*d = BackoffMaxInterval
		}
	}
}

// IsFollowing reports whether actor follows target.
func (s *Service) IsFollowing(ctx context.Context, actor, target string) (bool, error) {
	if actor == "" || target == "" {
		return false, fmt.Errorf("%w: actor and target are required", chatstore.ErrInvalidArgument)
	}
	ok, err := s.follows.HasFollow(ctx, actor, target)
	if err != nil {
		return false, fmt.Errorf("%w: has follow: %v", chatstore.ErrPersistence, err)
	}
	return ok, nil
}

// GetConversationsForUser lists uid's conversations, most recently active first.
func (s *Service) GetConversationsForUser(ctx context.Context, uid string) ([]*chatstore.ConversationSummary, error) {
	if uid == "" {
		return nil, fmt.Errorf("%w: user id is required", chatstore.ErrInvalidArgument)
	}
	convs, err := s.convs.ListConversations(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %v", chatstore.ErrPersistence, err)
	}
	chatstore.SortConversations(convs)
	return lo.Map(convs, func(c *chatstore.Conversation, _ int) *chatstore.ConversationSummary {
		return s.summarize(ctx, c)
	}), nil
}

// TopFollowed returns the most followed users.
func (s *Service) TopFollowed(ctx context.Context, limit int) ([]*chatstore.FollowCount, error) {
	if limit <= 0 || limit > MaxTopFollowed {
		limit = MaxTopFollowed
	}
	out, err := s.follows.TopFollowed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: top followed: %v", chatstore.ErrPersistence, err)
	}
	if out == nil {
		out = []*chatstore.FollowCount{}
	}
	return out, nil
}

// summarize resolves participants; an unresolvable user is reported by id only.
func (s *Service) summarize(ctx context.Context, c *chatstore.Conversation) *chatstore.ConversationSummary {
	participants := make([]*chatstore.User, 0, 2)
	for _, uid := range c.Participants {
		u, err := s.directory.GetUser(ctx, uid)
		if err != nil {
			glog.Warningf("social: resolve participant %s of conversation %s: %v", uid, c.ID, err)
			u = &chatstore.User{ID: uid}
		}
		participants = append(participants, u)
	}
	return &chatstore.ConversationSummary{
		ID:            c.ID,
		Participants:  participants,
		LastMessageID: c.LastMessageID,
		CreateTime:    c.CreateTime,
		UpdateTime:    c.UpdateTime,
	}
}
