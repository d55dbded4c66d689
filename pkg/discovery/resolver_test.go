package discovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/thinker0/go.zkdiscovery/pkg/zktest"
)

type fakeResolver struct {
	addrs   []string
	names   []string
	err     error
	lookups atomic.Int32
}

func (r *fakeResolver) LookupHost(_ context.Context, _ string) ([]string, error) {
	r.lookups.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return r.addrs, nil
}

func (r *fakeResolver) LookupAddr(_ context.Context, _ string) ([]string, error) {
	return r.names, nil
}

func newTestProvider(svc *Service, hostname string, bound BoundAddress, r *fakeResolver) *HostsProvider {
	p := NewHostsProvider(svc, hostname, bound, zap.NewNop())
	p.Resolver = r
	p.LocalHostname = func() (string, error) { return "host-a", nil }
	return p
}

func TestSelfAddressOverride(t *testing.T) {
	r := &fakeResolver{}
	p := newTestProvider(nil, "es1.example.com:9300", StaticAddress("10.0.0.1:9300"), r)

	addr, err := p.SelfAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "es1.example.com:9300", addr)
	assert.Zero(t, r.lookups.Load())
}

func TestSelfAddressCanonicalName(t *testing.T) {
	r := &fakeResolver{addrs: []string{"10.0.0.1"}, names: []string{"a.example.com."}}
	p := newTestProvider(nil, "", StaticAddress("10.0.0.1:9300"), r)

	for i := 0; i < 3; i++ {
		addr, err := p.SelfAddress(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a.example.com:9300", addr)
	}
	assert.EqualValues(t, 1, r.lookups.Load(), "canonical name should be cached")
}

func TestSelfAddressFallback(t *testing.T) {
	r := &fakeResolver{addrs: []string{"127.0.0.1"}, names: []string{"localhost"}}
	p := newTestProvider(nil, "", StaticAddress("10.0.0.1:9300"), r)

	addr, err := p.SelfAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9300", addr)

	r = &fakeResolver{err: errors.New("no such host")}
	p = newTestProvider(nil, "", StaticAddress("10.0.0.1:9300"), r)

	addr, err = p.SelfAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9300", addr)
}

func TestSelfAddressUnknown(t *testing.T) {
	p := newTestProvider(nil, "", nil, &fakeResolver{})
	_, err := p.SelfAddress(context.Background())
	assert.ErrorIs(t, err, ErrNoSelfAddress)

	p = newTestProvider(nil, "", StaticAddress("10.0.0.1"), &fakeResolver{})
	_, err = p.SelfAddress(context.Background())
	assert.ErrorIs(t, err, ErrNoSelfAddress)
}

func TestBuildPeersExcludesSelf(t *testing.T) {
	s := newTestServer()

	b := newTestService(t, s, testConfig("B"), nil)
	require.NoError(t, b.RegisterNode("10.0.0.2:9300"))

	a := newTestService(t, s, testConfig("A"), nil)
	p := newTestProvider(a, "10.0.0.1:9300", nil, &fakeResolver{})

	peers, err := p.BuildPeers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Peer{{ID: "#zk-B-0", Endpoint: "10.0.0.2:9300"}}, peers)

	// once the own entry is in the view it is still skipped
	waitFor(t, func() bool { return a.Nodes().Len() == 2 }, "own registration should be observed")
	peers, err = p.BuildPeers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Peer{{ID: "#zk-B-0", Endpoint: "10.0.0.2:9300"}}, peers)
	assert.Equal(t, []string{"A", "B"}, s.Children("/cluster"))
}

func TestBuildPeersSkipsInvalidEntries(t *testing.T) {
	s := newTestServer()
	require.NoError(t, s.Put("/cluster/C", []byte("garbage")))
	require.NoError(t, s.Put("/cluster/D", []byte("10.0.0.4:9300-9301")))
	require.NoError(t, s.Put("/cluster/E", []byte{0xff}))

	a := newTestService(t, s, testConfig("A"), nil)
	p := newTestProvider(a, "10.0.0.1:9300", nil, &fakeResolver{})

	peers, err := p.BuildPeers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Peer{
		{ID: "#zk-D-0", Endpoint: "10.0.0.4:9300"},
		{ID: "#zk-D-1", Endpoint: "10.0.0.4:9301"},
	}, peers)
}

func TestBuildPeersWithoutSelfAddress(t *testing.T) {
	s := newTestServer()
	a := newTestService(t, s, testConfig("A"), nil)
	p := newTestProvider(a, "", nil, &fakeResolver{})

	_, err := p.BuildPeers(context.Background())
	assert.ErrorIs(t, err, ErrNoSelfAddress)
	assert.Empty(t, s.Children("/cluster"))
}

func TestBuildPeersOnRegisterFailure(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath("/cluster")
	require.NoError(t, s.Put("/cluster/B", []byte("10.0.0.2:9300")))
	a := newTestService(t, s, testConfig("A"), nil)
	p := newTestProvider(a, "10.0.0.1:9300", nil, &fakeResolver{})

	// a persistent child makes the ephemeral create fail
	require.NoError(t, s.Put("/cluster/A", nil))
	require.NoError(t, s.Put("/cluster/A/child", nil))

	peers, err := p.BuildPeers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Peer{{ID: "#zk-B-0", Endpoint: "10.0.0.2:9300"}}, peers)
	require.NotNil(t, a.Member())
	assert.False(t, a.Member().Registered())
}
