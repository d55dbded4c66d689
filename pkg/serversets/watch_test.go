package serversets

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/thinker0/go.zkdiscovery/pkg/zkconn"
	"github.com/thinker0/go.zkdiscovery/pkg/zktest"
)

const testGroup = "/cluster"

func newTestConnector(t *testing.T, s *zktest.Server) *zkconn.Connector {
	t.Helper()
	c := zkconn.New(zap.NewNop())
	c.Dial = s.Dialer()
	c.ReconnectWindow = 0
	require.NoError(t, c.Connect([]string{"mem:2181"}))
	t.Cleanup(c.Close)
	return c
}

func newTestNodeSet(t *testing.T, c *zkconn.Connector) *NodeSet[string] {
	t.Helper()
	set, err := NewNodeSet(c, testGroup, String, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(set.Close)
	return set
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func values(set *NodeSet[string]) map[string]string {
	out := make(map[string]string)
	for _, e := range set.Snapshot() {
		if e.OK() {
			out[e.ID] = e.Value
		}
	}
	return out
}

func TestNodeSetMissingGroup(t *testing.T) {
	s := zktest.NewServer()
	c := newTestConnector(t, s)

	_, err := NewNodeSet(c, "/missing", String, nil)
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestNodeSetInitialLoad(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)
	require.NoError(t, s.Put(testGroup+"/a", []byte("10.0.0.1:9300")))
	require.NoError(t, s.Put(testGroup+"/b", []byte("10.0.0.2:9300")))

	set := newTestNodeSet(t, newTestConnector(t, s))

	assert.Equal(t, map[string]string{"a": "10.0.0.1:9300", "b": "10.0.0.2:9300"}, values(set))
	assert.True(t, set.Watching())
	assert.Equal(t, testGroup, set.Path())
}

func TestNodeSetSingleRegistration(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)
	c := newTestConnector(t, s)
	set := newTestNodeSet(t, c)
	assert.Zero(t, set.Len())

	m, err := NewMember(c, testGroup, "A", "10.0.0.1:9300", nil)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Register())

	waitFor(t, func() bool { return set.Len() == 1 }, "registration should be observed")
	assert.Equal(t, map[string]string{"A": "10.0.0.1:9300"}, values(set))
}

func TestNodeSetSiblings(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)
	set := newTestNodeSet(t, newTestConnector(t, s))

	want := make(map[string]string)
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("node%d", i)
		want[id] = fmt.Sprintf("10.0.0.%d:9300", i)
		require.NoError(t, s.Put(testGroup+"/"+id, []byte(want[id])))
	}

	waitFor(t, func() bool { return set.Len() == len(want) }, "all siblings should be observed")
	assert.Equal(t, want, values(set))
}

func TestNodeSetRemoveKeepsOthers(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(testGroup+"/"+id, []byte(id+".example:9300")))
	}
	set := newTestNodeSet(t, newTestConnector(t, s))
	before := set.Snapshot()

	require.NoError(t, s.Remove(testGroup+"/b"))
	waitFor(t, func() bool { return set.Len() == 2 }, "removal should be observed")

	_, ok := set.Lookup("b")
	assert.False(t, ok)
	after := set.Snapshot()
	assert.Equal(t, before[0], after[0])
	assert.Equal(t, before[2], after[1])
}

func TestNodeSetUpdateTouchesOneEntry(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)
	require.NoError(t, s.Put(testGroup+"/a", []byte("10.0.0.1:9300")))
	require.NoError(t, s.Put(testGroup+"/b", []byte("10.0.0.2:9300")))
	set := newTestNodeSet(t, newTestConnector(t, s))

	require.NoError(t, s.Put(testGroup+"/b", []byte("10.0.0.2:9301")))
	waitFor(t, func() bool {
		v, _ := set.Lookup("b")
		return v == "10.0.0.2:9301"
	}, "update should be observed")

	v, ok := set.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1:9300", v)

	// the data watch was re-armed by the refetch
	require.NoError(t, s.Put(testGroup+"/b", []byte("10.0.0.2:9302")))
	waitFor(t, func() bool {
		v, _ := set.Lookup("b")
		return v == "10.0.0.2:9302"
	}, "second update should be observed")
}

func TestNodeSetRecreatedNode(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)
	require.NoError(t, s.Put(testGroup+"/A", []byte("10.0.0.1:9300")))
	set := newTestNodeSet(t, newTestConnector(t, s))

	require.NoError(t, s.Remove(testGroup+"/A"))
	require.NoError(t, s.Put(testGroup+"/A", []byte("10.0.0.5:9300")))
	waitFor(t, func() bool {
		v, ok := set.Lookup("A")
		return ok && v == "10.0.0.5:9300"
	}, "recreated node should be read again")

	// the watch follows the new node
	require.NoError(t, s.Put(testGroup+"/A", []byte("10.0.0.6:9300")))
	waitFor(t, func() bool {
		v, _ := set.Lookup("A")
		return v == "10.0.0.6:9300"
	}, "update of the recreated node should be observed")
	waitFor(t, set.Synced, "every watch should be armed")
}

func TestNodeSetGenerationsAreNotReused(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)
	require.NoError(t, s.Put(testGroup+"/a", []byte("10.0.0.1:9300")))
	set := newTestNodeSet(t, newTestConnector(t, s))

	set.lock.RLock()
	first := set.dataGen["a"]
	set.lock.RUnlock()

	require.NoError(t, s.Remove(testGroup+"/a"))
	waitFor(t, func() bool { return set.Len() == 0 }, "removal should be observed")
	require.NoError(t, s.Put(testGroup+"/a", []byte("10.0.0.2:9300")))
	waitFor(t, func() bool { return set.Len() == 1 }, "re-add should be observed")

	set.lock.RLock()
	defer set.lock.RUnlock()
	assert.Greater(t, set.dataGen["a"], first)
	assert.NotEqual(t, set.childGen, set.dataGen["a"])

	// an event of the first arming is dropped
	assert.False(t, set.current(watchEvent{kind: dataWatch, id: "a", gen: first}))
}

func TestNodeSetFailedReadHealsOnChildrenChange(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)
	require.NoError(t, s.Put(testGroup+"/a", []byte("10.0.0.1:9300")))
	require.NoError(t, s.Put(testGroup+"/b", []byte("10.0.0.2:9300")))
	s.FailReads(testGroup+"/b", 1)

	set := newTestNodeSet(t, newTestConnector(t, s))
	assert.Equal(t, 2, set.Len())
	_, ok := set.Lookup("b")
	assert.False(t, ok)
	assert.False(t, set.Synced())

	require.NoError(t, s.Put(testGroup+"/c", []byte("10.0.0.3:9300")))
	waitFor(t, func() bool {
		v, ok := set.Lookup("b")
		return ok && v == "10.0.0.2:9300"
	}, "failed member should be fetched again with the next listing")
	waitFor(t, set.Synced, "every watch should be armed")

	require.NoError(t, s.Put(testGroup+"/b", []byte("10.0.0.2:9301")))
	waitFor(t, func() bool {
		v, _ := set.Lookup("b")
		return v == "10.0.0.2:9301"
	}, "update of the healed member should be observed")
}

func TestNodeSetFailedReadHealsOnResync(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)
	require.NoError(t, s.Put(testGroup+"/b", []byte("10.0.0.2:9300")))
	s.FailReads(testGroup+"/b", 1)

	set := newTestNodeSet(t, newTestConnector(t, s))
	require.False(t, set.Synced())
	assert.True(t, set.Watching())

	set.Resync()
	waitFor(t, func() bool {
		v, ok := set.Lookup("b")
		return ok && v == "10.0.0.2:9300" && set.Synced()
	}, "resync should fetch the failed member")
}

func TestNodeSetDeserializeFailure(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)
	require.NoError(t, s.Put(testGroup+"/good", []byte("10.0.0.1:9300")))
	require.NoError(t, s.Put(testGroup+"/bad", []byte("garbage")))

	core, logs := observer.New(zapcore.WarnLevel)
	errGarbage := errors.New("garbage")
	decode := func(data []byte) (string, error) {
		if string(data) == "garbage" {
			return "", errGarbage
		}
		return string(data), nil
	}

	set, err := NewNodeSet(newTestConnector(t, s), testGroup, decode, zap.New(core))
	require.NoError(t, err)
	defer set.Close()

	assert.Equal(t, 2, set.Len())
	_, ok := set.Lookup("bad")
	assert.False(t, ok)
	v, ok := set.Lookup("good")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1:9300", v)

	for _, e := range set.Snapshot() {
		if e.ID == "bad" {
			assert.ErrorIs(t, e.Err, errGarbage)
			assert.Equal(t, "garbage", string(e.Raw))
		}
	}
	assert.Equal(t, 1, logs.FilterMessage("unable to deserialize member data").Len())
}

func TestNodeSetRandomSample(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)
	set := newTestNodeSet(t, newTestConnector(t, s))

	_, ok := set.RandomSample()
	assert.False(t, ok)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(testGroup+"/"+id, []byte(id)))
	}
	waitFor(t, func() bool { return set.Len() == 3 }, "members should be observed")

	seen := make(map[string]int)
	for i := 0; i < 300; i++ {
		v, ok := set.RandomSample()
		require.True(t, ok)
		seen[v]++
	}
	assert.Len(t, seen, 3)
}

func TestNodeSetResyncAfterReconnect(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)
	require.NoError(t, s.Put(testGroup+"/a", []byte("10.0.0.1:9300")))

	c := newTestConnector(t, s)
	set := newTestNodeSet(t, c)
	count := set.EventCount()

	require.NoError(t, c.Reconnect())
	waitFor(t, func() bool { return set.EventCount() > count && set.Watching() }, "resync should run on the new session")

	require.NoError(t, s.Put(testGroup+"/b", []byte("10.0.0.2:9300")))
	waitFor(t, func() bool { return set.Len() == 2 }, "watches should be armed on the new session")
	assert.Equal(t, map[string]string{"a": "10.0.0.1:9300", "b": "10.0.0.2:9300"}, values(set))
}

func TestNodeSetWatchLostOnExpiry(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)

	c := newTestConnector(t, s)
	set := newTestNodeSet(t, c)
	require.True(t, set.Watching())

	s.Expire(c.Session().ID)
	waitFor(t, func() bool { return !set.Watching() }, "expiry should drop the children watch")
}

func TestNodeSetEvent(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)
	set := newTestNodeSet(t, newTestConnector(t, s))

	require.NoError(t, s.Put(testGroup+"/a", []byte("x")))
	select {
	case <-set.Event():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change event")
	}
	assert.False(t, set.LastEvent().IsZero())
}

func TestNodeSetIsClosed(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)
	set, err := NewNodeSet(newTestConnector(t, s), testGroup, String, nil)
	require.NoError(t, err)

	set.Close()

	if set.IsClosed() == false {
		t.Error("should say it's closed right after we close it")
	}
}

func TestNodeSetMultipleClose(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)
	set, err := NewNodeSet(newTestConnector(t, s), testGroup, String, nil)
	require.NoError(t, err)

	set.Close()
	set.Close()
	set.Close()

	_, open := <-set.Event()
	assert.False(t, open)
}

func TestFinagleDeserializer(t *testing.T) {
	data, err := NewFinagleRecord("localhost", 1002).Marshal()
	require.NoError(t, err)

	endpoint, err := Finagle(data)
	require.NoError(t, err)
	assert.Equal(t, "localhost:1002", endpoint)

	dead := NewFinagleRecord("localhost", 1003)
	dead.Status = statusDead
	data, err = dead.Marshal()
	require.NoError(t, err)
	_, err = Finagle(data)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = Finagle([]byte("{"))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestStringDeserializer(t *testing.T) {
	v, err := String([]byte("10.0.0.1:9300"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9300", v)

	_, err = String([]byte{0xff, 0xfe})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestNodeSetFinagleFormat(t *testing.T) {
	s := zktest.NewServer()
	s.CreatePath(testGroup)
	data, err := NewFinagleRecord("10.0.0.1", 9300).Marshal()
	require.NoError(t, err)
	require.NoError(t, s.Put(testGroup+"/member_0000000001", data))

	set, err := NewNodeSet(newTestConnector(t, s), testGroup, Finagle, nil)
	require.NoError(t, err)
	defer set.Close()

	v, ok := set.Lookup("member_0000000001")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1:9300", v)
}
