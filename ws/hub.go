package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/wire"
)

const DefaultPresenceTTL = 2 * time.Minute

type HubConf struct {
	// RequireAuth rejects upgrades that `auth.Client` cannot authenticate.
	// Otherwise such connections may identify as any user.
	RequireAuth bool

	// PresenceTTL evicts registry entries idle for longer. Zero disables the sweep.
	PresenceTTL time.Duration

	RequestTimeout time.Duration
}

// Hub works as a hub that manages and serves websocket connections.
type Hub struct {
	conf       *HubConf
	authClient auth.Client
	router     *chat.Router
	registry   *presence.Registry
	hstore     *HandlerStore

	// serializes snapshot+fanout so clients never see snapshots out of order.
	broadcastMu sync.Mutex
}

// NewHub creates a `Hub`.
func NewHub(authClient auth.Client, router *chat.Router, registry *presence.Registry, conf *HubConf) *Hub {
	if conf == nil {
		conf = &HubConf{}
	}
	if conf.RequestTimeout <= 0 {
		conf.RequestTimeout = defaultRequestTimeout
	}
	return &Hub{
		conf:       conf,
		authClient: authClient,
		router:     router,
		registry:   registry,
		hstore:     newHandlerStore(),
	}
}

// Run sweeps idle presence entries until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	var tickC <-chan time.Time
	if ttl := h.conf.PresenceTTL; ttl > 0 {
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			glog.Infof("close connections ...")
			h.hstore.close()
			glog.Infof("close connections done")
			stopDoneNotifyC <- struct{}{}
			return
		case <-tickC:
			if expired := h.registry.Expire(h.conf.PresenceTTL); len(expired) > 0 {
				glog.V(5).Infof("hub: presence expired: %v", expired)
				h.broadcastPresence()
			}
		}
	}
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var authUID string
	if h.authClient != nil {
		uid, err := h.authClient.Auth(r)
		if err != nil {
			if h.conf.RequireAuth {
				glog.Errorf("ServeHTTP(): authenticate error: %v", err)
				http.Error(w, "Authenticate error", http.StatusUnauthorized)
				return
			}
			if !errors.Is(err, auth.ErrUnauthenticated) {
				glog.Errorf("ServeHTTP(): authenticate error: %v", err)
			}
		}
		authUID = uid
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", authUID, err)
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := &Handler{
		hub:        h,
		sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		authUID:    authUID,
		ip:         getRemoteIP(r),
		createTime: time.Now(),
		conn:       conn,
		dataChan:   make(chan *SessionData, outboxSize),
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.V(5).Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		handler.close(PeerClosed)
		return nil
	})

	h.hstore.add(handler)
	connectionsGauge.Inc()

	go handler.recvLoop()
	go handler.sendLoop()
}

// delHandler drops a closed handler. Its presence entry is removed only if the registry
// still points at this connection, so a stale close never evicts a newer connection.
func (h *Hub) delHandler(handler *Handler, uid string, identified bool, cause SessionError) {
	if h.hstore.del(handler.sid) {
		connectionsGauge.Dec()
	}
	if !identified {
		return
	}
	if h.registry.UnregisterByHandle(uid, handler) && cause != ServerStop {
		h.broadcastPresence()
	}
}

// broadcastPresence sends the current snapshot to every connection.
func (h *Hub) broadcastPresence() {
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	online := h.registry.Snapshot()
	onlineUsersGauge.Set(float64(len(online)))

	msg := &wire.ServerMsg{PresenceSnapshot: &wire.Presence{Online: online}}
	for _, handler := range h.hstore.shallowCopy() {
		if err := handler.Send(msg); err != nil {
			glog.V(5).Infof("hub: broadcast presence to %s: %v", handler, err)
		}
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
