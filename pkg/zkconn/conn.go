package zkconn

import (
	"strings"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	"go.uber.org/zap"
)

// Conn is the subset of *zk.Conn used by this module. *zk.Conn satisfies it,
// zktest.Conn provides an in-memory implementation for tests.
type Conn interface {
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Delete(path string, version int32) error
	State() zk.State
	SessionID() int64
	Close()
}

// A Dialer opens a session against the given servers. The returned channel
// carries session events for the lifetime of the connection.
type Dialer func(servers []string, sessionTimeout time.Duration) (Conn, <-chan zk.Event, error)

// ZKDialer returns a Dialer backed by zk.Connect that logs through logger.
func ZKDialer(logger *zap.Logger) Dialer {
	return func(servers []string, sessionTimeout time.Duration) (Conn, <-chan zk.Event, error) {
		conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(NewZKLogger(logger)))
		if err != nil {
			return nil, nil, err
		}
		return conn, events, nil
	}
}

// zkLogger adapts zap to the zk.Logger interface.
type zkLogger struct {
	sugar *zap.SugaredLogger
}

// NewZKLogger bridges the zookeeper client's Printf logging into zap.
func NewZKLogger(logger *zap.Logger) zk.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return zkLogger{sugar: logger.Named("zk").Sugar()}
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// ParseServers splits a comma-joined ensemble string into host:port entries.
func ParseServers(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
