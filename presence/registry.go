package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/samber/lo"

	"github.com/mqy/minichat/wire"
)

// Conn is a live connection that can be registered for a user.
// Sid identifies the connection; two Conns are the same handle iff their Sids match.
type Conn interface {
	Sid() string
	Send(msg *wire.ServerMsg) error
}

type entry struct {
	conn     Conn
	lastSeen time.Time
}

// Registry maps user id to the user's current connection.
// The map is owned by one goroutine; every operation is a closure run on it, so callers
// from any goroutine never race on register/unregister.
type Registry struct {
	reqC    chan func(map[string]*entry)
	stopC   chan struct{}
	stopped sync.Once
	now     func() time.Time
}

func NewRegistry() *Registry {
	r := &Registry{
		reqC:  make(chan func(map[string]*entry)),
		stopC: make(chan struct{}),
		now:   time.Now,
	}
	go r.loop()
	return r
}

func (r *Registry) loop() {
	kv := make(map[string]*entry)
	for {
		select {
		case fn := <-r.reqC:
			fn(kv)
		case <-r.stopC:
			return
		}
	}
}

// do runs fn on the owner goroutine and waits for it. Returns false once stopped.
func (r *Registry) do(fn func(map[string]*entry)) bool {
	done := make(chan struct{})
	select {
	case r.reqC <- func(kv map[string]*entry) {
		fn(kv)
		close(done)
	}:
	case <-r.stopC:
		return false
	}
	<-done
	return true
}

// Stop stops the owner goroutine. Later calls are no-ops.
func (r *Registry) Stop() {
	r.stopped.Do(func() { close(r.stopC) })
}

// Register binds uid to conn, silently replacing any previous connection of uid.
// Returns the replaced connection, if any.
func (r *Registry) Register(uid string, conn Conn) (replaced Conn) {
	now := r.now()
	r.do(func(kv map[string]*entry) {
		if old, ok := kv[uid]; ok && old.conn.Sid() != conn.Sid() {
			replaced = old.conn
		}
		kv[uid] = &entry{conn: conn, lastSeen: now}
	})
	if replaced != nil {
		glog.V(5).Infof("presence: %s moved from session %s to %s", uid, replaced.Sid(), conn.Sid())
	}
	return replaced
}

// UnregisterByHandle removes uid only if it is still bound to conn.
// A stale connection closing never evicts a newer one of the same user.
func (r *Registry) UnregisterByHandle(uid string, conn Conn) (removed bool) {
	r.do(func(kv map[string]*entry) {
		if e, ok := kv[uid]; ok && e.conn.Sid() == conn.Sid() {
			delete(kv, uid)
			removed = true
		}
	})
	return removed
}

// Lookup returns the connection of uid.
func (r *Registry) Lookup(uid string) (conn Conn, ok bool) {
	r.do(func(kv map[string]*entry) {
		var e *entry
		if e, ok = kv[uid]; ok {
			conn = e.conn
		}
	})
	return conn, ok
}

// Snapshot returns the sorted ids of present users.
func (r *Registry) Snapshot() []string {
	var out []string
	r.do(func(kv map[string]*entry) {
		out = lo.Keys(kv)
	})
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}

// Touch refreshes the last seen time of uid when it is bound to conn.
func (r *Registry) Touch(uid string, conn Conn) {
	now := r.now()
	r.do(func(kv map[string]*entry) {
		if e, ok := kv[uid]; ok && e.conn.Sid() == conn.Sid() {
			e.lastSeen = now
		}
	})
}

// Expire removes entries not seen within ttl and returns their user ids.
func (r *Registry) Expire(ttl time.Duration) []string {
	deadline := r.now().Add(-ttl)
	var expired []string
	r.do(func(kv map[string]*entry) {
		for uid, e := range kv {
			if e.lastSeen.Before(deadline) {
				delete(kv, uid)
				expired = append(expired, uid)
			}
		}
	})
	sort.Strings(expired)
	return expired
}
