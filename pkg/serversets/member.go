package serversets

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/reusee/mmh3"
	"github.com/samuel/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/thinker0/go.zkdiscovery/internal/metrics"
	"github.com/thinker0/go.zkdiscovery/pkg/zkconn"
)

// ErrInvalidMember is returned by NewMember for incomplete arguments.
var ErrInvalidMember = errors.New("serversets: invalid member")

// A Member is this process' own ephemeral entry in a group. The entry lives
// as long as the session that created it; Verify notices when it is gone and
// writes it again with the same value.
type Member struct {
	connector *zkconn.Connector
	group     string
	id        string
	value     string
	logger    *zap.Logger

	mu         sync.Mutex
	registered bool
	// wanted is set by Register and cleared by Unregister, Verify only
	// renews wanted entries.
	wanted bool

	liveMu    sync.Mutex
	liveGen   uint64
	liveValue string
	exists    bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMember prepares the entry group/id with the given value. The id is the
// sanitized node name, or a hash of the value when nothing is left of the name.
// Nothing is written before Register.
func NewMember(c *zkconn.Connector, group, nodeName, value string, logger *zap.Logger) (*Member, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: connector must be set", ErrInvalidMember)
	}
	if !strings.HasPrefix(group, "/") {
		return nil, fmt.Errorf("%w: group %q must begin with '/'", ErrInvalidMember, group)
	}
	if value == "" {
		return nil, fmt.Errorf("%w: value must be set", ErrInvalidMember)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	id := SanitizeNodeName(strings.TrimPrefix(nodeName, "/"))
	if id == "" {
		id = fmt.Sprintf("node-%08x", mmh3.Hash32([]byte(value)))
	}

	return &Member{
		connector: c,
		group:     group,
		id:        id,
		value:     value,
		logger:    logger.With(zap.String("path", JoinPath(group, id))),
		done:      make(chan struct{}),
	}, nil
}

// ID returns the member id, the last element of Path.
func (m *Member) ID() string {
	return m.id
}

// Path returns the znode path of the entry.
func (m *Member) Path() string {
	return JoinPath(m.group, m.id)
}

// Value returns the value written to the entry.
func (m *Member) Value() string {
	return m.value
}

// Registered reports whether the entry is believed to exist. After a session
// expired this stays true until the next Verify.
func (m *Member) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// LiveValue returns the value last observed on the entry by its data watch.
func (m *Member) LiveValue() (string, bool) {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	return m.liveValue, m.exists
}

// Register writes the ephemeral entry. An entry left over by an earlier
// incarnation whose session was not reaped yet is deleted first. Calling
// Register on a registered Member does nothing.
func (m *Member) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.wanted = true
	if m.registered {
		m.logger.Info("already registered with zookeeper, skipping registration")
		return nil
	}

	err := m.register()
	metrics.Registrations.WithLabelValues("register", metrics.Result(err)).Inc()
	return err
}

// register must be called with mu held.
func (m *Member) register() error {
	p := m.Path()

	conn, err := m.connector.Conn()
	if err != nil {
		m.logger.Error("unable to create member node", zap.Error(err))
		return fmt.Errorf("serversets: register %s: %w", p, err)
	}

	m.logger.Info("creating member node", zap.String("value", m.value), zap.Stringer("session", m.connector.Session()))

	exists, _, err := conn.Exists(p)
	if err != nil {
		m.logger.Error("unable to check for an existing member node", zap.Error(err))
		return fmt.Errorf("serversets: register %s: %w", p, err)
	}
	if exists {
		if err := conn.Delete(p, -1); err != nil && err != zk.ErrNoNode {
			m.logger.Error("unable to remove existing member node", zap.Error(err))
			return fmt.Errorf("serversets: remove stale %s: %w", p, err)
		}
		m.logger.Info("existing member node has been removed")
	}

	if _, err := conn.Create(p, []byte(m.value), zk.FlagEphemeral, zk.WorldACL(zk.PermAll)); err != nil {
		m.logger.Error("unable to create member node", zap.Error(err))
		return fmt.Errorf("serversets: create %s: %w", p, err)
	}

	m.registered = true
	m.logger.Info("member node has been written", zap.String("value", m.value))

	m.watchLive(conn)
	return nil
}

// Unregister deletes the entry. A missing entry is not an error.
func (m *Member) Unregister() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.wanted = false
	p := m.Path()

	conn, err := m.connector.Conn()
	if err == nil {
		err = conn.Delete(p, -1)
	}
	if err == zk.ErrNoNode {
		m.logger.Info("member node is already gone")
		err = nil
	}
	metrics.Registrations.WithLabelValues("unregister", metrics.Result(err)).Inc()
	if err != nil {
		m.logger.Warn("unable to remove member node, zookeeper removes it when the session ends", zap.Error(err))
		return fmt.Errorf("serversets: unregister %s: %w", p, err)
	}

	m.registered = false
	m.logger.Info("removed member node")
	return nil
}

// Verify makes sure the entry exists. A dead session is replaced and the
// entry written again; an entry that vanished from a live session is
// recreated. Verify does not schedule itself, call it periodically.
func (m *Member) Verify() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.wanted {
		return nil
	}

	if !m.connector.Alive() {
		m.logger.Info("zookeeper session is not alive, trying to reconnect", zap.Stringer("session", m.connector.Session()))
		if err := m.connector.Reconnect(); err != nil {
			m.logger.Error("unable to reconnect to zookeeper", zap.Error(err))
			metrics.Registrations.WithLabelValues("renew", "error").Inc()
			return fmt.Errorf("serversets: verify %s: %w", m.Path(), err)
		}
		m.logger.Info("reconnected to zookeeper", zap.Stringer("session", m.connector.Session()))

		m.registered = false
		err := m.register()
		metrics.Registrations.WithLabelValues("renew", metrics.Result(err)).Inc()
		return err
	}

	conn, err := m.connector.Conn()
	if err != nil {
		return fmt.Errorf("serversets: verify %s: %w", m.Path(), err)
	}

	exists, _, err := conn.Exists(m.Path())
	if err != nil {
		m.logger.Error("unable to check member node", zap.Error(err))
		return fmt.Errorf("serversets: verify %s: %w", m.Path(), err)
	}
	if !exists {
		m.logger.Warn("member node is not present any more, going to renew it", zap.String("value", m.value))
		m.registered = false
		err := m.register()
		metrics.Registrations.WithLabelValues("renew", metrics.Result(err)).Inc()
		return err
	}

	live, _ := m.LiveValue()
	m.logger.Debug("checked member node, still present", zap.String("value", live))
	return nil
}

// watchLive reads the entry and arms a data watch on it.
func (m *Member) watchLive(conn zkconn.Conn) {
	data, _, ch, err := conn.GetW(m.Path())

	m.liveMu.Lock()
	m.liveGen++
	gen := m.liveGen
	if err != nil {
		m.liveValue, m.exists = "", false
		m.liveMu.Unlock()
		if err != zk.ErrNoNode {
			m.logger.Error("unable to fetch live value of member node", zap.Error(err))
		}
		return
	}
	m.liveValue, m.exists = string(data), true
	m.liveMu.Unlock()

	m.wg.Add(1)
	go m.awaitLive(ch, gen)
}

func (m *Member) awaitLive(ch <-chan zk.Event, gen uint64) {
	defer m.wg.Done()

	var ev zk.Event
	select {
	case <-m.done:
		return
	case e, ok := <-ch:
		if !ok {
			return
		}
		ev = e
	}

	m.liveMu.Lock()
	stale := gen != m.liveGen
	m.liveMu.Unlock()
	if stale {
		return
	}

	switch ev.Type {
	case zk.EventNodeCreated, zk.EventNodeDataChanged:
		conn, err := m.connector.Conn()
		if err != nil {
			return
		}
		m.watchLive(conn)
	case zk.EventNodeDeleted:
		m.liveMu.Lock()
		m.liveValue, m.exists = "", false
		m.liveMu.Unlock()
		m.logger.Info("member node was deleted")
	}
}

// Close stops the live value watch. It does not remove the entry.
func (m *Member) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}
