package ws

import (
	"sync"
)

// memory handler store for local connections.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
}

func newHandlerStore() *HandlerStore {
	return &HandlerStore{handlers: make(map[string]*Handler)}
}

func (hs *HandlerStore) del(sid string) bool {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[sid]; ok {
		delete(hs.handlers, sid)
		return true
	}
	return false
}

func (hs *HandlerStore) add(handler *Handler) {
	hs.Lock()
	hs.handlers[handler.sid] = handler
	hs.Unlock()
}

func (hs *HandlerStore) len() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.handlers)
}

// shallowCopy returns the handlers, so callers can close them without holding the lock.
func (hs *HandlerStore) shallowCopy() []*Handler {
	hs.RLock()
	defer hs.RUnlock()
	out := make([]*Handler, 0, len(hs.handlers))
	for _, h := range hs.handlers {
		out = append(out, h)
	}
	return out
}

func (hs *HandlerStore) close() {
	for _, h := range hs.shallowCopy() {
		h.close(ServerStop)
	}
}
