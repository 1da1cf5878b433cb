package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/wire"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	BadRequest SessionError = 4
	ServerStop SessionError = 5
	PeerClosed SessionError = 6
)

type state int

const (
	stateConnected state = iota
	stateIdentified
	stateDisconnected
)

func (s state) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateIdentified:
		return "identified"
	default:
		return "disconnected"
	}
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 8192

	// pending server messages per connection; a full outbox fails the push.
	outboxSize = 64

	defaultRequestTimeout = 5 * time.Second
)

var errOutboxFull = errors.New("outbox full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		// TODO: check origin against a configured allow list once the web client has a fixed host.
		return true
	},
}

// Handler manages an active connection to end user.
// Every new websocket connection creates a new handler, identified by sid.
// Client frames are handled one at a time by recvLoop, which drives the
// Connected -> Identified -> Disconnected state machine.
type Handler struct {
	sync.Mutex

	hub *Hub

	sid        string
	authUID    string
	ip         string
	createTime time.Time
	conn       *websocket.Conn

	dataChan chan *SessionData

	// guarded by the mutex.
	state   state
	uid     string
	closing bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError    `json:"error,omitempty"`
	ServerMsg *wire.ServerMsg `json:"resp,omitempty"`
}

func (h *Handler) String() string {
	h.Lock()
	defer h.Unlock()
	return fmt.Sprintf("{sid: %s, uid: %s, ip: %s, state: %s}", h.sid, h.uid, h.ip, h.state)
}

// Sid implements `presence.Conn`.
func (h *Handler) Sid() string {
	return h.sid
}

// UID returns the identified user, empty before identify.
func (h *Handler) UID() string {
	h.Lock()
	defer h.Unlock()
	return h.uid
}

// Send implements `presence.Conn`. It never blocks: a closed connection or a full
// outbox is reported as a transport error.
func (h *Handler) Send(msg *wire.ServerMsg) error {
	return h.appendDataChan(&SessionData{ServerMsg: msg})
}

func (h *Handler) appendDataChan(v *SessionData) error {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return fmt.Errorf("%w: session %s closed", chatstore.ErrTransport, h.sid)
	}
	select {
	case h.dataChan <- v:
		return nil
	default:
		return fmt.Errorf("%w: session %s: %v", chatstore.ErrTransport, h.sid, errOutboxFull)
	}
}

// closeAfterFlush closes the connection once pending messages are written.
func (h *Handler) closeAfterFlush(cause SessionError) {
	if err := h.appendDataChan(&SessionData{Error: cause}); err != nil {
		h.close(cause)
	}
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}

	h.closing = true
	identified := h.state == stateIdentified
	uid := h.uid
	h.state = stateDisconnected
	close(h.dataChan)
	h.Unlock()

	_ = h.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
	h.conn.Close()

	glog.V(5).Infof("session closed, cause: %d, sid: %s, uid: %s", cause, h.sid, uid)
	h.hub.delHandler(h, uid, identified, cause)
}

func (h *Handler) touch() {
	h.Lock()
	uid, identified := h.uid, h.state == stateIdentified
	h.Unlock()
	if identified {
		h.hub.registry.Touch(uid, h)
	}
}

func sendServerMsg(conn *websocket.Conn, msg *wire.ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	// set when sendLoop owns the close, after writing pending frames.
	var flushing bool
	defer func() {
		if !flushing {
			h.close(ReadError)
		}
		glog.V(5).Infof("recvLoop(): exited, sid: %s", h.sid)
	}()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.touch()
		return nil
	})

	for {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Errorf("recvLoop(): read error: %v", err)
			}
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))
		h.touch()

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			_ = h.Send(&wire.ServerMsg{
				Error: newInvalidArgumentError(nil, "websocket only supports TextMessage"),
			})
			flushing = true
			h.closeAfterFlush(BadRequest)
			return
		}

		req := wire.ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			_ = h.Send(&wire.ServerMsg{
				Error: newInvalidArgumentError(nil, fmt.Sprintf("unmarshal error: %v", err)),
			})
			continue
		}

		if v := req.Identify; v != nil {
			h.identify(&req, v)
		} else if v := req.RelayMessage; v != nil {
			h.relay(&req, v)
		} else {
			glog.Errorf("recvLoop(): unsupported request: %s", string(msg))
			_ = h.Send(&wire.ServerMsg{
				Error: newInvalidArgumentError(&req, "unsupported request"),
			})
		}
	}
}

// identify binds the connection to a user. Identifying again as another user moves the
// binding; the previous user's entry is removed only while it still points here.
func (h *Handler) identify(req *wire.ClientMsg, v *wire.IdentifyReq) {
	uid := v.UserID
	if uid == "" {
		_ = h.Send(&wire.ServerMsg{Error: newInvalidArgumentError(req, "userId: required")})
		return
	}
	if h.authUID != "" && uid != h.authUID {
		_ = h.Send(&wire.ServerMsg{Error: newInvalidArgumentError(req, "userId: does not match the authenticated user")})
		return
	}

	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}
	prev, wasIdentified := h.uid, h.state == stateIdentified
	h.uid = uid
	h.state = stateIdentified
	h.Unlock()

	if wasIdentified && prev != uid {
		h.hub.registry.UnregisterByHandle(prev, h)
	}
	if replaced := h.hub.registry.Register(uid, h); replaced != nil {
		glog.V(5).Infof("identify: %s superseded session %s", h.sid, replaced.Sid())
	}

	// close may have raced with Register; never leave a closed handler registered.
	h.Lock()
	closing := h.closing
	h.Unlock()
	if closing {
		h.hub.registry.UnregisterByHandle(uid, h)
	}

	h.hub.broadcastPresence()
}

func (h *Handler) relay(req *wire.ClientMsg, v *wire.RelayReq) {
	h.Lock()
	uid, identified := h.uid, h.state == stateIdentified
	h.Unlock()

	if !identified {
		_ = h.Send(&wire.ServerMsg{Error: newInvalidArgumentError(req, "identify first")})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.hub.conf.RequestTimeout)
	defer cancel()

	m, err := h.hub.router.Relay(ctx, uid, v.ReceiverID, v.Text)
	if err != nil {
		glog.Errorf("recvLoop(): relay error, sid: %s, err: %v", h.sid, err)
		_ = h.Send(&wire.ServerMsg{Error: toWireError(req, err)})
		return
	}
	_ = h.Send(&wire.ServerMsg{MessageSent: m})
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, sid: %s", h.sid)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				return
			}

			if glog.V(5) {
				dataJson, _ := json.Marshal(v)
				logValue := string(dataJson)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(), get from data chan, value: %s, sid: %s", logValue, h.sid)
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.ServerMsg == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendServerMsg(h.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(), error write message. sid: %s, err: %v", h.sid, err)
				h.close(WriteError)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. sid: %s, err: %v", h.sid, err)
				h.close(PingError)
				return
			}
		}
	}
}
