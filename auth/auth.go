package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/mqy/minichat/chatstore"
)

// ErrUnauthenticated is returned by a `Client` that cannot identify the request.
var ErrUnauthenticated = errors.New("unauthenticated")

type Client interface {
	// Auth authenticates current request, return uid.
	Auth(r *http.Request) (string, error)
}

// Directory resolves user ids to profile summaries.
// It returns an error wrapping `chatstore.ErrNotFound` for unknown ids.
type Directory interface {
	GetUser(ctx context.Context, uid string) (*chatstore.User, error)
}
