// Package zktest provides an in-memory zookeeper ensemble for tests. It keeps
// the parts of the protocol discovery depends on: one-shot watches, ephemeral
// nodes bound to a session, and session expiry.
package zktest

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	"github.com/zhangyunhao116/skipmap"

	"github.com/thinker0/go.zkdiscovery/pkg/zkconn"
)

type znode struct {
	data    []byte
	version int32
	owner   int64
	seq     int32
}

// tree is the sorted znode store keyed by full path.
type tree struct {
	load    func(key string) (*znode, bool)
	store   func(key string, value *znode)
	remove  func(key string)
	foreach func(f func(key string, value *znode) bool)
}

func newTree() tree {
	m := skipmap.New[string, *znode]()
	return tree{
		load:    m.Load,
		store:   m.Store,
		remove:  func(key string) { m.Delete(key) },
		foreach: m.Range,
	}
}

type watcher struct {
	ch      chan zk.Event
	session int64
}

// Server is a single node in-memory ensemble.
type Server struct {
	mu           sync.Mutex
	nodes        tree
	sessions     map[int64]*Conn
	nextSession  int64
	childWatches map[string][]*watcher
	dataWatches  map[string][]*watcher
	unreachable  bool
	dials        int
	readFaults   map[string]int
}

// NewServer returns an empty ensemble holding only the root node.
func NewServer() *Server {
	s := &Server{
		nodes:        newTree(),
		sessions:     make(map[int64]*Conn),
		nextSession:  0x100,
		childWatches: make(map[string][]*watcher),
		dataWatches:  make(map[string][]*watcher),
		readFaults:   make(map[string]int),
	}
	s.nodes.store("/", &znode{})
	return s
}

// Dialer returns a zkconn.Dialer that opens sessions on s.
func (s *Server) Dialer() zkconn.Dialer {
	return s.Dial
}

// Dial opens a new session. When the server is unreachable the session never
// leaves the connecting state.
func (s *Server) Dial(servers []string, sessionTimeout time.Duration) (zkconn.Conn, <-chan zk.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dials++
	s.nextSession++
	c := &Conn{
		server: s,
		id:     s.nextSession,
		events: make(chan zk.Event, 16),
	}

	c.transition(zk.StateConnecting)
	if s.unreachable {
		return c, c.events, nil
	}

	c.transition(zk.StateConnected)
	c.transition(zk.StateHasSession)
	s.sessions[c.id] = c
	return c, c.events, nil
}

// Dials reports how many sessions have been requested.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// SetUnreachable makes future dials hang in the connecting state.
func (s *Server) SetUnreachable(unreachable bool) {
	s.mu.Lock()
	s.unreachable = unreachable
	s.mu.Unlock()
}

// FailReads makes the next n GetW calls on p fail with
// zk.ErrConnectionClosed without arming a watch.
func (s *Server) FailReads(p string, n int) {
	s.mu.Lock()
	s.readFaults[p] = n
	s.mu.Unlock()
}

// Expire ends a session the way an ensemble does after the session timeout:
// its watches stop, its ephemeral nodes are deleted and the client sees
// StateExpired.
func (s *Server) Expire(sessionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.sessions, sessionID)
	s.invalidate(sessionID, zk.ErrSessionExpired)
	s.removeEphemerals(sessionID)
	c.transition(zk.StateExpired)
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CreatePath creates p and all missing parents as persistent nodes.
func (s *Server) CreatePath(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		if _, ok := s.nodes.load(cur); !ok {
			s.nodes.store(cur, &znode{})
			s.fire(s.childWatches, parent(cur), zk.EventNodeChildrenChanged)
		}
	}
}

// Put creates or updates a persistent node, parents must exist.
func (s *Server) Put(p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.nodes.load(p); ok {
		s.set(p, n, data)
		return nil
	}
	_, err := s.create(p, data, 0, 0)
	return err
}

// Get returns the data stored at p.
func (s *Server) Get(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes.load(p)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// Remove deletes the node at p regardless of its owner.
func (s *Server) Remove(p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(p, -1)
}

// Children lists the child names of p in order.
func (s *Server) Children(p string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.children(p)
}

// Ephemeral reports the owning session of the node at p, 0 for persistent nodes.
func (s *Server) Ephemeral(p string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.nodes.load(p); ok {
		return n.owner
	}
	return 0
}

func (s *Server) children(p string) []string {
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}

	var out []string
	s.nodes.foreach(func(key string, _ *znode) bool {
		if key <= prefix {
			return true
		}
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		if rest := key[len(prefix):]; !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
		return true
	})
	return out
}

func (s *Server) create(p string, data []byte, flags int32, owner int64) (string, error) {
	if !strings.HasPrefix(p, "/") || (len(p) > 1 && strings.HasSuffix(p, "/")) {
		return "", zk.ErrInvalidPath
	}

	parentPath := parent(p)
	pn, ok := s.nodes.load(parentPath)
	if !ok {
		return "", zk.ErrNoNode
	}
	if pn.owner != 0 {
		return "", zk.ErrNoChildrenForEphemerals
	}

	if flags&zk.FlagSequence != 0 {
		p = fmt.Sprintf("%s%010d", p, pn.seq)
		pn.seq++
	}
	if _, ok := s.nodes.load(p); ok {
		return "", zk.ErrNodeExists
	}

	n := &znode{data: append([]byte(nil), data...)}
	if flags&zk.FlagEphemeral != 0 {
		n.owner = owner
	}
	s.nodes.store(p, n)
	s.fire(s.childWatches, parentPath, zk.EventNodeChildrenChanged)
	return p, nil
}

func (s *Server) delete(p string, version int32) error {
	n, ok := s.nodes.load(p)
	if !ok {
		return zk.ErrNoNode
	}
	if version != -1 && version != n.version {
		return zk.ErrBadVersion
	}
	if len(s.children(p)) > 0 {
		return zk.ErrNotEmpty
	}

	s.nodes.remove(p)
	s.fire(s.dataWatches, p, zk.EventNodeDeleted)
	s.fire(s.childWatches, p, zk.EventNodeDeleted)
	s.fire(s.childWatches, parent(p), zk.EventNodeChildrenChanged)
	return nil
}

func (s *Server) set(p string, n *znode, data []byte) {
	n.data = append([]byte(nil), data...)
	n.version++
	s.fire(s.dataWatches, p, zk.EventNodeDataChanged)
}

func (s *Server) removeEphemerals(owner int64) {
	var owned []string
	s.nodes.foreach(func(key string, n *znode) bool {
		if n.owner == owner {
			owned = append(owned, key)
		}
		return true
	})
	for _, p := range owned {
		_ = s.delete(p, -1)
	}
}

func (s *Server) watch(m map[string][]*watcher, p string, session int64) <-chan zk.Event {
	w := &watcher{ch: make(chan zk.Event, 1), session: session}
	m[p] = append(m[p], w)
	return w.ch
}

// fire delivers ev to every watcher on p exactly once.
func (s *Server) fire(m map[string][]*watcher, p string, typ zk.EventType) {
	ws := m[p]
	delete(m, p)
	for _, w := range ws {
		w.ch <- zk.Event{Type: typ, State: zk.StateConnected, Path: p}
		close(w.ch)
	}
}

// invalidate drops every watch of a session with EventNotWatching.
func (s *Server) invalidate(session int64, err error) {
	for _, m := range []map[string][]*watcher{s.childWatches, s.dataWatches} {
		for p, ws := range m {
			kept := ws[:0]
			for _, w := range ws {
				if w.session != session {
					kept = append(kept, w)
					continue
				}
				w.ch <- zk.Event{Type: zk.EventNotWatching, State: zk.StateDisconnected, Path: p, Err: err}
				close(w.ch)
			}
			if len(kept) == 0 {
				delete(m, p)
			} else {
				m[p] = kept
			}
		}
	}
}

func parent(p string) string {
	return path.Dir(p)
}
