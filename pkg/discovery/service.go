package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/thinker0/go.zkdiscovery/pkg/serversets"
	"github.com/thinker0/go.zkdiscovery/pkg/zkconn"
)

// Service connects to the ensemble, watches the members of the configured
// group and owns the registration of this node.
type Service struct {
	cfg       Config
	nodeName  string
	logger    *zap.Logger
	clock     clock.Clock
	connector *zkconn.Connector
	nodes     *serversets.NodeSet[string]

	mu     sync.Mutex
	member *serversets.Member
}

// NewService connects to cfg.Hosts and loads the group members. It blocks
// until the session is established. dial and clk may be nil.
func NewService(cfg Config, dial zkconn.Dialer, clk clock.Clock, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}

	servers := cfg.Servers()
	if len(servers) == 0 {
		logger.Error("zookeeper service initialisation failed", zap.Strings("hosts", cfg.Hosts))
		return nil, ErrNoHosts
	}
	deserialize, err := deserializer(cfg.ValueFormat)
	if err != nil {
		return nil, err
	}

	nodeName := cfg.NodeName
	if nodeName == "" {
		if nodeName, err = os.Hostname(); err != nil {
			return nil, fmt.Errorf("discovery: node name: %w", err)
		}
	}

	c := zkconn.New(logger)
	if cfg.SessionTimeout > 0 {
		c.SessionTimeout = cfg.SessionTimeout
	}
	if cfg.ConnectTimeout > 0 {
		c.ConnectTimeout = cfg.ConnectTimeout
	}
	c.Dial = dial
	c.Clock = clk

	if err := c.Connect(servers); err != nil {
		return nil, err
	}

	nodes, err := serversets.NewNodeSet(c, cfg.Path, deserialize, logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	return &Service{
		cfg:       cfg,
		nodeName:  nodeName,
		logger:    logger,
		clock:     clk,
		connector: c,
		nodes:     nodes,
	}, nil
}

// Connector returns the shared zookeeper connector.
func (s *Service) Connector() *zkconn.Connector {
	return s.connector
}

// Nodes returns the watched members of the group.
func (s *Service) Nodes() *serversets.NodeSet[string] {
	return s.nodes
}

// Member returns the registration of this node, nil before RegisterNode.
func (s *Service) Member() *serversets.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.member
}

// RegisterNode publishes addr as the address of this node. Only the first
// call registers; a failed registration is retried by Verify.
func (s *Service) RegisterNode(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.member != nil {
		s.logger.Info("already registered with zookeeper, skipping registration", zap.String("id", s.member.ID()))
		return nil
	}

	value, err := s.encode(addr)
	if err != nil {
		return err
	}
	m, err := serversets.NewMember(s.connector, s.cfg.Path, s.nodeName, value, s.logger)
	if err != nil {
		return err
	}
	s.member = m

	if err := m.Register(); err != nil {
		return err
	}
	s.logger.Info("registered with zookeeper", zap.String("id", m.ID()), zap.String("address", addr))
	return nil
}

func (s *Service) encode(addr string) (string, error) {
	if s.cfg.ValueFormat != FormatFinagle {
		return addr, nil
	}

	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("discovery: encode %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", fmt.Errorf("discovery: encode %q: %w", addr, err)
	}
	data, err := serversets.NewFinagleRecord(host, port).Marshal()
	if err != nil {
		return "", fmt.Errorf("discovery: encode %q: %w", addr, err)
	}
	return string(data), nil
}

// UnregisterNode removes the registration of this node.
func (s *Service) UnregisterNode() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.member == nil {
		return nil
	}
	if err := s.member.Unregister(); err != nil {
		s.logger.Info("unable to delete member node from zookeeper", zap.Error(err))
		return err
	}
	s.member.Close()
	s.member = nil
	return nil
}

// Verify renews the registration when the session or the node is gone and
// resyncs the members when a watch was lost or a member read failed.
func (s *Service) Verify() error {
	m := s.Member()

	var err error
	if m != nil {
		err = m.Verify()
	}
	if !s.nodes.Synced() {
		s.logger.Info("member watches are not all armed, resyncing")
		s.nodes.Resync()
	}
	return err
}

// RunVerifier calls Verify every interval until ctx is done.
func (s *Service) RunVerifier(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Verify(); err != nil {
				s.logger.Warn("zookeeper registration check failed", zap.Error(err))
			}
		}
	}
}

// Close unregisters this node and releases the session.
func (s *Service) Close() error {
	err := s.UnregisterNode()

	s.mu.Lock()
	if s.member != nil {
		s.member.Close()
		s.member = nil
	}
	s.mu.Unlock()

	s.nodes.Close()
	s.connector.Close()
	return err
}
