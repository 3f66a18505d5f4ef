package server

import (
	"sort"
	"sync"
	"time"

	"openfms/netcore/internal/session"
)

// table indexes the sessions a server owns, by session ID and by an
// optional transport key such as the remote address of a UDP peer.
type table struct {
	mu    sync.RWMutex
	byID  map[string]*session.Session
	byKey map[string]*session.Session
}

func newTable() *table {
	return &table{
		byID:  make(map[string]*session.Session),
		byKey: make(map[string]*session.Session),
	}
}

func (t *table) add(key string, s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[s.ID()] = s
	if key != "" {
		t.byKey[key] = s
	}
}

func (t *table) remove(s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, s.ID())
	for k, cur := range t.byKey {
		if cur == s {
			delete(t.byKey, k)
			break
		}
	}
}

func (t *table) get(id string) (*session.Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byID[id]
	return s, ok
}

func (t *table) lookup(key string) (*session.Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byKey[key]
	return s, ok
}

func (t *table) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// list returns the sessions ordered by ID.
func (t *table) list() []*session.Session {
	t.mu.RLock()
	out := make([]*session.Session, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// sweep closes sessions idle for longer than idle (when positive) and drops
// stale partial frames from the rest. It returns how many were closed.
func (t *table) sweep(now time.Time, idle time.Duration) int {
	closed := 0
	for _, s := range t.list() {
		if idle > 0 && now.Sub(s.LastActive()) > idle {
			s.Close("idle timeout")
			closed++
			continue
		}
		s.SweepFrames(now)
	}
	return closed
}

func (t *table) closeAll(reason string) {
	for _, s := range t.list() {
		s.Close(reason)
	}
}
