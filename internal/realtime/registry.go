package realtime

import (
	"hash/fnv"
	"sync"

	"taskstream/pkg/metrics"
)

// Conn is one client connection. Send must be safe for concurrent use and
// must fail fast: the registry prunes a connection on the first error.
type Conn interface {
	Send(payload []byte) error
	Close() error
	Transport() string
}

const registryShards = 16

type shard struct {
	mu    sync.RWMutex
	users map[string]map[Conn]struct{}
}

// Registry tracks open connections per user. Sharded by user ID so a busy
// broadcast on one user does not serialize registrations on another.
type Registry struct {
	shards [registryShards]*shard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[string]map[Conn]struct{})}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return r.shards[h.Sum32()%registryShards]
}

func (r *Registry) Add(userID string, conn Conn) {
	s := r.shardFor(userID)
	s.mu.Lock()
	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[Conn]struct{})
		s.users[userID] = conns
	}
	conns[conn] = struct{}{}
	s.mu.Unlock()

	metrics.RealtimeConnectionsActive.WithLabelValues(conn.Transport()).Inc()
}

// Remove detaches a connection without closing it. Safe to call twice; the
// second call is a no-op.
func (r *Registry) Remove(userID string, conn Conn) {
	s := r.shardFor(userID)
	s.mu.Lock()
	conns, ok := s.users[userID]
	if ok {
		if _, present := conns[conn]; present {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(s.users, userID)
			}
			s.mu.Unlock()
			metrics.RealtimeConnectionsActive.WithLabelValues(conn.Transport()).Dec()
			return
		}
	}
	s.mu.Unlock()
}

// Connections returns a snapshot of the user's connections. Broadcast
// iterates the snapshot outside the lock so a stalling Send cannot block
// the shard.
func (r *Registry) Connections(userID string) []Conn {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.users[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(conns))
	for conn := range conns {
		out = append(out, conn)
	}
	return out
}

// Counts returns open connections per transport, for the stats endpoint.
func (r *Registry) Counts() map[string]int {
	counts := make(map[string]int)
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.users {
			for conn := range conns {
				counts[conn.Transport()]++
			}
		}
		s.mu.RUnlock()
	}
	return counts
}

// UserCount returns the number of users with at least one open connection.
func (r *Registry) UserCount() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.users)
		s.mu.RUnlock()
	}
	return total
}
