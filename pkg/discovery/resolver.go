package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/thinker0/go.zkdiscovery/internal/metrics"
)

// ErrNoSelfAddress is returned when neither a hostname nor a bound address
// is known.
var ErrNoSelfAddress = errors.New("discovery: unable to determine own address")

// canonicalNameTTL is how long a reverse lookup of the local host is reused.
const canonicalNameTTL = 5 * time.Minute

// BoundAddress returns the ip:port the host server is bound to.
type BoundAddress func() (string, error)

// StaticAddress returns a BoundAddress that always reports addr.
func StaticAddress(addr string) BoundAddress {
	return func() (string, error) {
		if addr == "" {
			return "", ErrNoSelfAddress
		}
		return addr, nil
	}
}

// Resolver is the part of *net.Resolver used to find the canonical name of
// the local host.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Peer is an endpoint of another node found in the group.
type Peer struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
}

// HostsProvider registers this node and builds the list of the other nodes.
type HostsProvider struct {
	// Resolver and LocalHostname are used for address autodetection.
	Resolver      Resolver
	LocalHostname func() (string, error)

	service  *Service
	hostname string
	bound    BoundAddress
	names    *expirable.LRU[string, string]
	logger   *zap.Logger
}

// NewHostsProvider creates a HostsProvider for service. hostname, when set,
// is advertised as is; otherwise the address is derived from bound.
func NewHostsProvider(service *Service, hostname string, bound BoundAddress, logger *zap.Logger) *HostsProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bound == nil {
		bound = StaticAddress("")
	}
	return &HostsProvider{
		Resolver:      net.DefaultResolver,
		LocalHostname: os.Hostname,
		service:       service,
		hostname:      hostname,
		bound:         bound,
		names:         expirable.NewLRU[string, string](16, nil, canonicalNameTTL),
		logger:        logger,
	}
}

// SelfAddress returns the address this node advertises.
func (p *HostsProvider) SelfAddress(ctx context.Context) (string, error) {
	if p.hostname != "" {
		return p.hostname, nil
	}
	p.logger.Info("hostname has not been set, autodetecting own address")

	bound, err := p.bound()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoSelfAddress, err)
	}
	_, port, err := net.SplitHostPort(bound)
	if err != nil {
		return "", fmt.Errorf("%w: bound address %q: %v", ErrNoSelfAddress, bound, err)
	}

	name, err := p.canonicalName(ctx)
	if err != nil {
		p.logger.Info("can't find FQDN, falling back to IP", zap.Error(err))
		return bound, nil
	}
	if name == "localhost" {
		return bound, nil
	}
	return net.JoinHostPort(name, port), nil
}

// canonicalName resolves the local host name and maps its first address back
// to a name.
func (p *HostsProvider) canonicalName(ctx context.Context) (string, error) {
	host, err := p.LocalHostname()
	if err != nil {
		return "", err
	}
	if name, ok := p.names.Get(host); ok {
		return name, nil
	}

	addrs, err := p.Resolver.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	names, err := p.Resolver.LookupAddr(ctx, addrs[0])
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no names for %s", addrs[0])
	}

	name := strings.TrimSuffix(names[0], ".")
	p.names.Add(host, name)
	return name, nil
}

// Register publishes the own address. Only failing to determine the address
// is returned; registration errors are logged and healed by Service.Verify.
func (p *HostsProvider) Register(ctx context.Context) (string, error) {
	self, err := p.SelfAddress(ctx)
	if err != nil {
		return "", err
	}
	if err := p.service.RegisterNode(self); err != nil {
		p.logger.Warn("unable to register with zookeeper", zap.String("address", self), zap.Error(err))
	}
	return self, nil
}

// BuildPeers registers this node and returns the endpoints of every other
// member. Entries advertising the own address are skipped, as are entries
// that cannot be parsed.
func (p *HostsProvider) BuildPeers(ctx context.Context) ([]Peer, error) {
	p.logger.Info("building list of dynamic discovery nodes from zookeeper")

	self, err := p.Register(ctx)
	if err != nil {
		return nil, err
	}

	var (
		peers []Peer
		nodes int
	)
	for _, e := range p.service.Nodes().Snapshot() {
		if string(e.Raw) == self || (e.OK() && e.Value == self) {
			continue
		}
		if !e.OK() {
			p.logger.Warn("skipping member without a usable value", zap.String("id", e.ID), zap.Error(e.Err))
			continue
		}

		endpoints, err := ParseEndpoints(e.Value)
		if err != nil {
			p.logger.Warn("can't add address as a valid peer", zap.String("id", e.ID), zap.String("value", e.Value), zap.Error(err))
			continue
		}
		nodes++
		for i, ep := range endpoints {
			p.logger.Debug("found node", zap.String("id", e.ID), zap.String("address", ep))
			peers = append(peers, Peer{ID: fmt.Sprintf("#zk-%s-%d", e.ID, i), Endpoint: ep})
		}
	}

	metrics.Peers.Set(float64(len(peers)))
	p.logger.Info("found other nodes via zookeeper", zap.Int("nodes", nodes), zap.Int("endpoints", len(peers)))
	return peers, nil
}
