package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/social"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/wire"
)

type fixture struct {
	hub      *Hub
	srv      *httptest.Server
	registry *presence.Registry
	social   *social.Service
	chat     *chat.Service
}

func newFixture(t *testing.T, conf *HubConf) *fixture {
	s, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)

	directory := auth.NewStaticDirectory(
		&chatstore.User{ID: "alice", DisplayName: "Alice"},
		&chatstore.User{ID: "bob", DisplayName: "Bob"},
		&chatstore.User{ID: "carol", DisplayName: "Carol"},
	)

	registry := presence.NewRegistry()
	chatSvc := chat.NewService(s, s, 0)
	hub := NewHub(&auth.MockClient{}, chat.NewRouter(chatSvc, registry, nil), registry, conf)
	srv := httptest.NewServer(hub)

	t.Cleanup(func() {
		srv.Close()
		hub.hstore.close()
		registry.Stop()
		_ = s.Close()
	})

	return &fixture{
		hub:      hub,
		srv:      srv,
		registry: registry,
		social:   social.NewService(s, s, directory, nil),
		chat:     chatSvc,
	}
}

func (f *fixture) dial(t *testing.T, cookieUID string) *websocket.Conn {
	header := http.Header{}
	if cookieUID != "" {
		header.Set("Cookie", "x-uid="+cookieUID)
	}
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg *wire.ClientMsg) {
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil reads frames until match returns true, failing after a deadline.
func readUntil(t *testing.T, conn *websocket.Conn, match func(*wire.ServerMsg) bool) *wire.ServerMsg {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		msg := &wire.ServerMsg{}
		require.NoError(t, conn.ReadJSON(msg))
		if match(msg) {
			return msg
		}
	}
}

func presenceIs(online ...string) func(*wire.ServerMsg) bool {
	return func(msg *wire.ServerMsg) bool {
		if msg.PresenceSnapshot == nil {
			return false
		}
		if len(online) == 0 {
			return len(msg.PresenceSnapshot.Online) == 0
		}
		return assert.ObjectsAreEqual(online, msg.PresenceSnapshot.Online)
	}
}

func isError(msg *wire.ServerMsg) bool { return msg.Error != nil }

func identify(t *testing.T, conn *websocket.Conn, uid string) {
	send(t, conn, &wire.ClientMsg{Identify: &wire.IdentifyReq{UserID: uid}})
}

func TestRelayToOnlineUser(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.social.ToggleFollow(ctx, "alice", "bob")
	req.NoError(err)
	req.True(res.Following)

	alice := f.dial(t, "")
	identify(t, alice, "alice")
	readUntil(t, alice, presenceIs("alice"))

	bob := f.dial(t, "")
	identify(t, bob, "bob")
	readUntil(t, bob, presenceIs("alice", "bob"))

	send(t, bob, &wire.ClientMsg{RelayMessage: &wire.RelayReq{ReceiverID: "alice", Text: "hi"}})

	sent := readUntil(t, bob, func(msg *wire.ServerMsg) bool { return msg.MessageSent != nil || msg.Error != nil })
	req.Nil(sent.Error)
	req.Equal("hi", sent.MessageSent.Text)
	req.Equal(res.Conversation.ID, sent.MessageSent.ConversationID)

	in := readUntil(t, alice, func(msg *wire.ServerMsg) bool { return msg.IncomingMessage != nil })
	req.Equal(&wire.IncomingMessage{
		SenderID:       "bob",
		Text:           "hi",
		ConversationID: res.Conversation.ID,
		MessageID:      sent.MessageSent.ID,
	}, in.IncomingMessage)

	page, err := f.chat.GetMessages(ctx, res.Conversation.ID, 1, 15)
	req.NoError(err)
	req.Len(page.Messages, 1)
	req.Equal("hi", page.Messages[0].Text)
}

func TestPresenceBroadcast(t *testing.T) {
	f := newFixture(t, nil)

	u1 := f.dial(t, "")
	identify(t, u1, "alice")
	readUntil(t, u1, presenceIs("alice"))

	u2 := f.dial(t, "")
	identify(t, u2, "bob")
	readUntil(t, u2, presenceIs("alice", "bob"))
	readUntil(t, u1, presenceIs("alice", "bob"))

	require.NoError(t, u1.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	readUntil(t, u2, presenceIs("bob"))

	assert.Equal(t, []string{"bob"}, f.registry.Snapshot())
}

func TestStaleDisconnectKeepsNewerConnection(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)

	older := f.dial(t, "")
	identify(t, older, "alice")
	readUntil(t, older, presenceIs("alice"))

	newer := f.dial(t, "")
	identify(t, newer, "alice")
	readUntil(t, newer, presenceIs("alice"))

	req.Eventually(func() bool { return f.hub.hstore.len() == 2 }, 3*time.Second, 10*time.Millisecond)
	conn, ok := f.registry.Lookup("alice")
	req.True(ok)
	newerSid := conn.Sid()

	req.NoError(older.Close())
	req.Eventually(func() bool { return f.hub.hstore.len() == 1 }, 3*time.Second, 10*time.Millisecond)

	conn, ok = f.registry.Lookup("alice")
	req.True(ok)
	req.Equal(newerSid, conn.Sid())
}

func TestReidentifyMovesBinding(t *testing.T) {
	f := newFixture(t, nil)

	conn := f.dial(t, "")
	identify(t, conn, "alice")
	readUntil(t, conn, presenceIs("alice"))

	identify(t, conn, "bob")
	readUntil(t, conn, presenceIs("bob"))

	_, ok := f.registry.Lookup("alice")
	assert.False(t, ok)

	conn2, ok := f.registry.Lookup("bob")
	require.True(t, ok)
	assert.Equal(t, "bob", conn2.(*Handler).UID())
}

func TestRequestErrors(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "")

	send(t, conn, &wire.ClientMsg{RelayMessage: &wire.RelayReq{ReceiverID: "bob", Text: "hi"}})
	msg := readUntil(t, conn, isError)
	assert.Equal(t, wire.ErrorCodeInvalidArguments, msg.Error.Code)

	identify(t, conn, "")
	msg = readUntil(t, conn, isError)
	assert.Equal(t, wire.ErrorCodeInvalidArguments, msg.Error.Code)

	identify(t, conn, "alice")
	readUntil(t, conn, presenceIs("alice"))

	// no follow, so no conversation.
	send(t, conn, &wire.ClientMsg{RelayMessage: &wire.RelayReq{ReceiverID: "carol", Text: "hi"}})
	msg = readUntil(t, conn, isError)
	assert.Equal(t, wire.ErrorCodeNotFound, msg.Error.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg = readUntil(t, conn, isError)
	assert.Equal(t, wire.ErrorCodeInvalidArguments, msg.Error.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{}")))
	msg = readUntil(t, conn, isError)
	assert.Equal(t, wire.ErrorCodeInvalidArguments, msg.Error.Code)
}

func TestBinaryFrameGetsErrorBeforeClose(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	conn := f.dial(t, "")
	identify(t, conn, "alice")
	readUntil(t, conn, presenceIs("alice"))

	req.NoError(conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	msg := readUntil(t, conn, isError)
	req.Equal(wire.ErrorCodeInvalidArguments, msg.Error.Code)

	// the server closes after the error frame.
	req.NoError(conn.SetReadDeadline(time.Now().Add(3 * time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			req.False(isTimeout(err), "%v", err)
			break
		}
	}
	req.Eventually(func() bool { return f.hub.hstore.len() == 0 }, 3*time.Second, 10*time.Millisecond)
	_, ok := f.registry.Lookup("alice")
	req.False(ok)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func TestRequireAuth(t *testing.T) {
	f := newFixture(t, &HubConf{RequireAuth: true})
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := f.dial(t, "alice")
	identify(t, conn, "bob")
	msg := readUntil(t, conn, isError)
	assert.Equal(t, wire.ErrorCodeInvalidArguments, msg.Error.Code)

	identify(t, conn, "alice")
	readUntil(t, conn, presenceIs("alice"))
}

func TestRunSweepsIdlePresence(t *testing.T) {
	f := newFixture(t, &HubConf{PresenceTTL: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	stopDoneC := make(chan struct{}, 1)
	go f.hub.Run(ctx, stopDoneC)

	conn := f.dial(t, "")
	identify(t, conn, "alice")
	readUntil(t, conn, presenceIs("alice"))

	// the client is silent and pings are far apart, so the entry goes idle.
	readUntil(t, conn, presenceIs())
	_, ok := f.registry.Lookup("alice")
	assert.False(t, ok)

	cancel()
	select {
	case <-stopDoneC:
	case <-time.After(3 * time.Second):
		t.Fatal("hub did not stop")
	}
	assert.Zero(t, f.hub.hstore.len())
}
