package zkconn

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/groupcache/singleflight"
	"github.com/samuel/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/thinker0/go.zkdiscovery/internal/metrics"
)

var (
	ErrNoServers      = errors.New("zkconn: no zookeeper servers supplied")
	ErrConnectTimeout = errors.New("zkconn: timed out waiting for zookeeper session")
	ErrAuthFailed     = errors.New("zkconn: zookeeper authentication failed")
	ErrNotConnected   = errors.New("zkconn: not connected")
)

var (
	// DefaultSessionTimeout is the session timeout negotiated with the ensemble.
	DefaultSessionTimeout = 30 * time.Second

	// DefaultConnectTimeout bounds how long Connect blocks.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultReconnectWindow is how long a finished reconnect satisfies
	// further Reconnect calls.
	DefaultReconnectWindow = time.Second
)

// A Connector owns one session to a zookeeper ensemble. NodeSets and Members
// share a Connector and always ask it for the current Conn.
type Connector struct {
	SessionTimeout  time.Duration
	ConnectTimeout  time.Duration
	ReconnectWindow time.Duration
	Dial            Dialer
	Clock           clock.Clock

	logger *zap.Logger

	// lifecycle serializes connect, close and reconnect.
	lifecycle  sync.Mutex
	reconnects singleflight.Group

	mu            sync.RWMutex
	servers       []string
	conn          Conn
	stop          chan struct{}
	sessionID     int64
	lastReconnect time.Time

	lmu          sync.Mutex
	listeners    map[int]func(Session)
	nextListener int
}

// New creates a Connector that is not connected yet.
func New(logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		SessionTimeout:  DefaultSessionTimeout,
		ConnectTimeout:  DefaultConnectTimeout,
		ReconnectWindow: DefaultReconnectWindow,
		Clock:           clock.New(),
		logger:          logger,
		listeners:       make(map[int]func(Session)),
	}
}

// Connect opens a session against servers and blocks until the ensemble
// hands out a session id, ConnectTimeout passes, or authentication fails.
func (c *Connector) Connect(servers []string) error {
	servers = ParseServers(strings.Join(servers, ","))
	if len(servers) == 0 {
		return ErrNoServers
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	return c.connect(servers)
}

func (c *Connector) connect(servers []string) error {
	dial := c.Dial
	if dial == nil {
		dial = ZKDialer(c.logger)
	}

	c.logger.Info("connecting to zookeeper", zap.Strings("servers", servers), zap.Duration("sessionTimeout", c.SessionTimeout))
	conn, events, err := dial(servers, c.SessionTimeout)
	if err != nil {
		metrics.Sessions.WithLabelValues("connect_error").Inc()
		return fmt.Errorf("zkconn: connect %s: %w", strings.Join(servers, ","), err)
	}

	if err := c.awaitSession(events); err != nil {
		metrics.Sessions.WithLabelValues("connect_error").Inc()
		c.closeConn(conn)
		return err
	}

	stop := make(chan struct{})

	c.mu.Lock()
	old, oldStop := c.conn, c.stop
	c.servers = servers
	c.conn = conn
	c.stop = stop
	c.sessionID = conn.SessionID()
	c.mu.Unlock()

	if old != nil {
		close(oldStop)
		c.closeConn(old)
	}

	metrics.Sessions.WithLabelValues("established").Inc()
	c.logger.Info("zookeeper session established", zap.Int64("session", conn.SessionID()), zap.Strings("servers", servers))

	go c.watchSession(conn, events, stop)
	c.notify(c.Session())
	return nil
}

func (c *Connector) awaitSession(events <-chan zk.Event) error {
	timer := c.clk().Timer(c.ConnectTimeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("%w: event channel closed before session was established", ErrNotConnected)
			}
			if ev.Type != zk.EventSession {
				continue
			}
			switch ev.State {
			case zk.StateHasSession:
				return nil
			case zk.StateAuthFailed:
				return ErrAuthFailed
			}
		case <-timer.C:
			return fmt.Errorf("%w after %s", ErrConnectTimeout, c.ConnectTimeout)
		}
	}
}

// watchSession follows session events of conn until it is replaced or closed.
// A new session id (the client re-establishes expired sessions by itself) is
// reported to the OnSession listeners.
func (c *Connector) watchSession(conn Conn, events <-chan zk.Event, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != zk.EventSession {
				continue
			}

			switch ev.State {
			case zk.StateHasSession:
				c.mu.Lock()
				current := c.conn == conn
				renewed := current && c.sessionID != conn.SessionID()
				if renewed {
					c.sessionID = conn.SessionID()
				}
				c.mu.Unlock()

				if renewed {
					metrics.Sessions.WithLabelValues("renewed").Inc()
					c.logger.Info("zookeeper session re-established", zap.Int64("session", conn.SessionID()))
					c.notify(c.Session())
				}
			case zk.StateExpired:
				metrics.Sessions.WithLabelValues("expired").Inc()
				c.logger.Warn("zookeeper session expired, ephemeral nodes are gone", zap.Int64("session", conn.SessionID()))
			case zk.StateDisconnected:
				c.logger.Debug("zookeeper disconnected", zap.String("server", ev.Server))
			}
		}
	}
}

// Close releases the current session. It never fails; problems are logged.
func (c *Connector) Close() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.close()
}

func (c *Connector) close() {
	c.mu.Lock()
	conn, stop, id := c.conn, c.stop, c.sessionID
	c.conn = nil
	c.stop = nil
	c.sessionID = 0
	c.mu.Unlock()

	if conn == nil {
		c.logger.Debug("close called without an open zookeeper session")
		return
	}

	close(stop)
	c.closeConn(conn)
	metrics.Sessions.WithLabelValues("closed").Inc()
	c.logger.Info("zookeeper session closed", zap.Int64("session", id))
}

func (c *Connector) closeConn(conn Conn) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("closing zookeeper connection failed", zap.Any("panic", r))
		}
	}()
	conn.Close()
}

// Reconnect closes the current session and connects again with the servers
// of the last successful Connect. Concurrent callers share one attempt, and a
// call shortly after a completed reconnect is satisfied by it.
func (c *Connector) Reconnect() error {
	_, err := c.reconnects.Do("reconnect", func() (interface{}, error) {
		c.lifecycle.Lock()
		defer c.lifecycle.Unlock()

		c.mu.RLock()
		servers := c.servers
		last := c.lastReconnect
		c.mu.RUnlock()

		if len(servers) == 0 {
			return nil, ErrNoServers
		}

		if !last.IsZero() && c.clk().Since(last) < c.ReconnectWindow && c.Session().Alive() {
			c.logger.Debug("skipping reconnect, session was just renewed")
			return nil, nil
		}

		c.logger.Info("reconnecting to zookeeper", zap.Stringer("session", c.Session()))
		c.close()
		err := c.connect(servers)
		metrics.Sessions.WithLabelValues("reconnect_" + metrics.Result(err)).Inc()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.lastReconnect = c.clk().Now()
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// Session returns the current session. The zero Session is returned when not
// connected.
func (c *Connector) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return Session{Servers: c.servers}
	}
	return Session{
		Conn:    c.conn,
		ID:      c.conn.SessionID(),
		State:   c.conn.State(),
		Servers: c.servers,
	}
}

// Conn returns the connection of the current session.
func (c *Connector) Conn() (Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Alive is shorthand for Session().Alive().
func (c *Connector) Alive() bool {
	return c.Session().Alive()
}

// Servers returns the ensemble servers of the last successful Connect.
func (c *Connector) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.servers...)
}

// OnSession registers fn to be called whenever a new session is established.
// fn must not block. The returned func removes the listener.
func (c *Connector) OnSession(fn func(Session)) (cancel func()) {
	c.lmu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.lmu.Unlock()

	return func() {
		c.lmu.Lock()
		delete(c.listeners, id)
		c.lmu.Unlock()
	}
}

func (c *Connector) notify(s Session) {
	c.lmu.Lock()
	fns := make([]func(Session), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (c *Connector) clk() clock.Clock {
	if c.Clock == nil {
		return clock.New()
	}
	return c.Clock
}
