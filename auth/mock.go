package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/mqy/minichat/chatstore"
)

// MockClient trusts the `x-uid` cookie. Development only.
type MockClient struct {
	Client
}

func (c *MockClient) Auth(r *http.Request) (string, error) {
	var uid string

	if c, err := r.Cookie("x-uid"); err == nil {
		uid = c.Value
	}

	if uid == "" {
		return "", fmt.Errorf("%w: empty x-uid from cookie", ErrUnauthenticated)
	}
	return uid, nil
}

// StaticDirectory is an in-memory directory.
type StaticDirectory struct {
	sync.RWMutex
	users map[string]*chatstore.User
}

func NewStaticDirectory(users ...*chatstore.User) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]*chatstore.User)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *StaticDirectory) Put(u *chatstore.User) {
	d.Lock()
	d.users[u.ID] = u
	d.Unlock()
}

func (d *StaticDirectory) GetUser(_ context.Context, uid string) (*chatstore.User, error) {
	d.RLock()
	defer d.RUnlock()
	if u, ok := d.users[uid]; ok {
		return &chatstore.User{ID: u.ID, DisplayName: u.DisplayName}, nil
	}
	return nil, fmt.Errorf("user %q: %w", uid, chatstore.ErrNotFound)
}
