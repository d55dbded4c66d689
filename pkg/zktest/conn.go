package zktest

import (
	"sync/atomic"

	"github.com/samuel/go-zookeeper/zk"
)

// Conn is a client session on a Server. It implements zkconn.Conn.
type Conn struct {
	server *Server
	id     int64
	state  atomic.Int32
	events chan zk.Event
	closed bool
}

func (c *Conn) transition(state zk.State) {
	c.state.Store(int32(state))
	select {
	case c.events <- zk.Event{Type: zk.EventSession, State: state}:
	default:
	}
}

// check must be called with the server lock held.
func (c *Conn) check() error {
	if c.closed {
		return zk.ErrClosing
	}
	switch c.State() {
	case zk.StateExpired:
		return zk.ErrSessionExpired
	case zk.StateHasSession, zk.StateConnected:
		return nil
	}
	return zk.ErrNoServer
}

func (c *Conn) State() zk.State {
	return zk.State(c.state.Load())
}

func (c *Conn) SessionID() int64 {
	return c.id
}

func (c *Conn) ChildrenW(p string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.check(); err != nil {
		return nil, nil, nil, err
	}
	n, ok := s.nodes.load(p)
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}

	children := s.children(p)
	ch := s.watch(s.childWatches, p, c.id)
	return children, &zk.Stat{Version: n.version, NumChildren: int32(len(children))}, ch, nil
}

func (c *Conn) GetW(p string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.check(); err != nil {
		return nil, nil, nil, err
	}
	if s.readFaults[p] > 0 {
		s.readFaults[p]--
		return nil, nil, nil, zk.ErrConnectionClosed
	}
	n, ok := s.nodes.load(p)
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}

	ch := s.watch(s.dataWatches, p, c.id)
	return append([]byte(nil), n.data...), stat(n), ch, nil
}

func (c *Conn) Exists(p string) (bool, *zk.Stat, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.check(); err != nil {
		return false, nil, err
	}
	n, ok := s.nodes.load(p)
	if !ok {
		return false, nil, nil
	}
	return true, stat(n), nil
}

func (c *Conn) Create(p string, data []byte, flags int32, acl []zk.ACL) (string, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.check(); err != nil {
		return "", err
	}
	return s.create(p, data, flags, c.id)
}

func (c *Conn) Set(p string, data []byte, version int32) (*zk.Stat, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.check(); err != nil {
		return nil, err
	}
	n, ok := s.nodes.load(p)
	if !ok {
		return nil, zk.ErrNoNode
	}
	if version != -1 && version != n.version {
		return nil, zk.ErrBadVersion
	}
	s.set(p, n, data)
	return stat(n), nil
}

func (c *Conn) Delete(p string, version int32) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}
	return s.delete(p, version)
}

// Close ends the session. Ephemeral nodes are removed right away.
func (c *Conn) Close() {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if _, ok := s.sessions[c.id]; ok {
		delete(s.sessions, c.id)
		s.invalidate(c.id, zk.ErrClosing)
		s.removeEphemerals(c.id)
	}
	c.transition(zk.StateDisconnected)
	close(c.events)
}

func stat(n *znode) *zk.Stat {
	return &zk.Stat{
		Version:        n.version,
		EphemeralOwner: n.owner,
		DataLength:     int32(len(n.data)),
	}
}
