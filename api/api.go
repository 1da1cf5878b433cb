// Package api serves the HTTP endpoints for follows, conversations and message history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang/glog"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/social"
)

const (
	defaultRequestTimeout = 5 * time.Second

	// request bodies are small JSON documents.
	maxBodyBytes = 64 << 10
)

var errForbidden = errors.New("forbidden")

var validate = validator.New()

type SendMessageRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Text           string `json:"text" validate:"required"`
}

type Server struct {
	authClient auth.Client
	social     *social.Service
	chat       *chat.Service
	router     *chat.Router
	timeout    time.Duration
}

func NewServer(authClient auth.Client, socialSvc *social.Service, chatSvc *chat.Service, router *chat.Router) *Server {
	return &Server{
		authClient: authClient,
		social:     socialSvc,
		chat:       chatSvc,
		router:     router,
		timeout:    defaultRequestTimeout,
	}
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/follow/{targetId}", s.authed(s.toggleFollow))
	mux.HandleFunc("GET /api/follow/{targetId}", s.authed(s.isFollowing))
	mux.HandleFunc("GET /api/users/top-followed", s.authed(s.topFollowed))
	mux.HandleFunc("GET /api/conversations/{userId}", s.authed(s.conversations))
	mux.HandleFunc("POST /api/messages", s.authed(s.sendMessage))
	mux.HandleFunc("GET /api/messages/{conversationId}", s.authed(s.messages))
	mux.HandleFunc("POST /api/messages/{conversationId}/read", s.authed(s.markRead))
}

type authedHandler func(ctx context.Context, uid string, w http.ResponseWriter, r *http.Request) error

// authed resolves the caller, bounds the request with a timeout and writes returned errors.
func (s *Server) authed(fn authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := s.authClient.Auth(r)
		if err != nil {
			glog.V(5).Infof("api: %s %s: %v", r.Method, r.URL.Path, err)
			writeError(w, fmt.Errorf("%w: %v", auth.ErrUnauthenticated, err))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()

		if err := fn(ctx, uid, w, r); err != nil {
			glog.Errorf("api: %s %s, uid: %s, err: %v", r.Method, r.URL.Path, uid, err)
			writeError(w, err)
		}
	}
}

func (s *Server) toggleFollow(ctx context.Context, uid string, w http.ResponseWriter, r *http.Request) error {
	res, err := s.social.ToggleFollow(ctx, uid, r.PathValue("targetId"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

func (s *Server) isFollowing(ctx context.Context, uid string, w http.ResponseWriter, r *http.Request) error {
	ok, err := s.social.IsFollowing(ctx, uid, r.PathValue("targetId"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]bool{"following": ok})
	return nil
}

func (s *Server) topFollowed(ctx context.Context, _ string, w http.ResponseWriter, r *http.Request) error {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return err
	}
	out, err := s.social.TopFollowed(ctx, limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) conversations(ctx context.Context, uid string, w http.ResponseWriter, r *http.Request) error {
	if target := r.PathValue("userId"); target != uid {
		return fmt.Errorf("%w: conversations of %s", errForbidden, target)
	}
	out, err := s.social.GetConversationsForUser(ctx, uid)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) sendMessage(ctx context.Context, uid string, w http.ResponseWriter, r *http.Request) error {
	var req SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return fmt.Errorf("%w: body: %v", chatstore.ErrInvalidArgument, err)
	}
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", chatstore.ErrInvalidArgument, err)
	}
	if err := s.checkParticipant(ctx, req.ConversationID, uid); err != nil {
		return err
	}

	m, err := s.router.SendMessage(ctx, req.ConversationID, uid, req.Text)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, m)
	return nil
}

func (s *Server) messages(ctx context.Context, uid string, w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("conversationId")
	if err := s.checkParticipant(ctx, id, uid); err != nil {
		return err
	}

	page, err := queryInt(r, "page")
	if err != nil {
		return err
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return err
	}

	out, err := s.chat.GetMessages(ctx, id, page, limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) markRead(ctx context.Context, uid string, w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("conversationId")
	if err := s.checkParticipant(ctx, id, uid); err != nil {
		return err
	}
	n, err := s.chat.MarkRead(ctx, id, uid)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]int{"changed": n})
	return nil
}

func (s *Server) checkParticipant(ctx context.Context, conversationID, uid string) error {
	c, err := s.chat.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !c.Has(uid) {
		return fmt.Errorf("%w: %s is not a participant of %s", errForbidden, uid, c.ID)
	}
	return nil
}

// queryInt returns 0 for an absent parameter.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: not an integer", chatstore.ErrInvalidArgument, name)
	}
	return n, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatstore.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorBody{err.Error()})
	case errors.Is(err, auth.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorBody{"unauthenticated"})
	case errors.Is(err, errForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{"forbidden"})
	case errors.Is(err, chatstore.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{"internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("api: write response: %v", err)
	}
}
