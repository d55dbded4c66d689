package serversets

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	"github.com/zhangyunhao116/fastrand"
	"go.uber.org/zap"

	"github.com/thinker0/go.zkdiscovery/internal/metrics"
	"github.com/thinker0/go.zkdiscovery/pkg/zkconn"
)

const (
	// SOH control character
	SOH = "\x01"

	maxSOHRetries = 3
)

// ErrGroupNotFound is returned when the group path of a NodeSet does not
// exist. Create it with CreateFullPath before starting.
var ErrGroupNotFound = errors.New("serversets: group path does not exist")

type watchKind string

const (
	childrenWatch watchKind = "children"
	dataWatch     watchKind = "data"
)

// watchEvent is a fired one-shot watch. gen identifies the arming that
// produced it, events of superseded armings are dropped. Generations come
// from one counter per NodeSet and are never reused.
type watchEvent struct {
	kind watchKind
	id   string
	gen  uint64
	ev   zk.Event
}

// A NodeSet keeps a local copy of the children of a group path and their
// decoded values. A children watch tracks membership and a data watch on
// every child tracks its value. Both are re-armed by the read that serves
// them, and all updates run on one goroutine under the NodeSet lock.
type NodeSet[T any] struct {
	connector   *zkconn.Connector
	path        string
	deserialize Deserializer[T]
	logger      *zap.Logger

	event  chan struct{}
	events chan watchEvent
	resync chan struct{}

	done          chan struct{} // used for closing
	closeOnce     sync.Once
	wg            sync.WaitGroup
	cancelSession func()

	// lock for reading/writing everything below
	lock       sync.RWMutex
	entries    map[string]Entry[T]
	gen        uint64
	childGen   uint64
	dataGen    map[string]uint64 // ids with an armed data watch
	watching   bool
	eventCount int
	lastEvent  time.Time
}

// NewNodeSet loads the children of groupPath and starts watching them.
// The initial load is synchronous; a missing group path fails with
// ErrGroupNotFound.
func NewNodeSet[T any](c *zkconn.Connector, groupPath string, deserialize Deserializer[T], logger *zap.Logger) (*NodeSet[T], error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &NodeSet[T]{
		connector:   c,
		path:        groupPath,
		deserialize: deserialize,
		logger:      logger.With(zap.String("group", groupPath)),
		event:       make(chan struct{}, 1),
		events:      make(chan watchEvent),
		resync:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		entries:     make(map[string]Entry[T]),
		dataGen:     make(map[string]uint64),
	}

	if err := s.reload(true); err != nil {
		close(s.done)
		s.wg.Wait()
		return nil, err
	}

	s.cancelSession = c.OnSession(func(session zkconn.Session) {
		s.logger.Info("new zookeeper session, resyncing members", zap.Int64("session", session.ID))
		s.Resync()
	})

	s.wg.Add(1)
	go s.run()

	return s, nil
}

func (s *NodeSet[T]) run() {
	defer s.wg.Done()
	for {
		select {
		case we := <-s.events:
			s.handle(we)
		case <-s.resync:
			if err := s.reload(true); err != nil {
				s.logger.Warn("unable to resync members", zap.Error(err))
			}
		case <-s.done:
			return
		}
	}
}

// handle processes one fired watch. Failures are logged here and never
// reach the zookeeper client.
func (s *NodeSet[T]) handle(we watchEvent) {
	metrics.WatchEvents.WithLabelValues(string(we.kind), we.ev.Type.String()).Inc()

	if !s.current(we) {
		s.logger.Debug("dropping event of a superseded watch", zap.String("kind", string(we.kind)), zap.String("path", we.ev.Path))
		return
	}

	switch {
	case we.ev.Type == zk.EventNotWatching:
		s.lock.Lock()
		if we.kind == childrenWatch {
			s.watching = false
		} else {
			delete(s.dataGen, we.id)
		}
		s.lock.Unlock()
		s.logger.Warn("watch dropped by zookeeper, waiting for a new session", zap.String("path", we.ev.Path), zap.Error(we.ev.Err))

	case we.kind == childrenWatch:
		s.lock.Lock()
		s.watching = false
		s.lock.Unlock()

		if err := s.reload(false); err != nil {
			s.logger.Warn("unable to update member list after znode event", zap.Error(err))
		}

	case we.ev.Type == zk.EventNodeDataChanged, we.ev.Type == zk.EventNodeDeleted:
		// a deleted node may already be back with new data, the refetch
		// either drops the entry or re-arms the watch on the new node
		s.refresh(we.id)

	default:
		s.logger.Debug("ignoring data watch event", zap.String("id", we.id), zap.Stringer("type", we.ev.Type))
	}
}

func (s *NodeSet[T]) current(we watchEvent) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if we.kind == childrenWatch {
		return we.gen == s.childGen
	}
	gen, armed := s.dataGen[we.id]
	return armed && we.gen == gen
}

// nextGen must be called with the lock held.
func (s *NodeSet[T]) nextGen() uint64 {
	s.gen++
	return s.gen
}

// reload lists the children, re-arming the children watch with the same
// call, and reconciles the entries against them. With full set every child
// is fetched again, otherwise only the ones without an armed data watch.
func (s *NodeSet[T]) reload(full bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	conn, err := s.connector.Conn()
	if err != nil {
		metrics.Reconciliations.WithLabelValues("error").Inc()
		return err
	}

	children, _, ch, err := conn.ChildrenW(s.path)
	if err == zk.ErrNoNode {
		metrics.Reconciliations.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %s", ErrGroupNotFound, s.path)
	}
	if err != nil {
		metrics.Reconciliations.WithLabelValues("error").Inc()
		return fmt.Errorf("serversets: list children of %s: %w", s.path, err)
	}

	s.childGen = s.nextGen()
	s.watching = true
	s.forward(childrenWatch, "", s.childGen, ch)

	current := make(map[string]struct{}, len(children))
	for _, id := range children {
		current[id] = struct{}{}
	}

	changed := false
	for id := range s.entries {
		if _, ok := current[id]; !ok {
			delete(s.entries, id)
			delete(s.dataGen, id)
			changed = true
			s.logger.Info("member removed", zap.String("id", id))
		}
	}

	for _, id := range children {
		_, known := s.entries[id]
		_, armed := s.dataGen[id]
		if known && armed && !full {
			continue
		}
		s.fetch(conn, id)
		changed = true
	}

	metrics.Reconciliations.WithLabelValues("ok").Inc()
	metrics.Members.WithLabelValues(s.path).Set(float64(len(s.entries)))
	if changed {
		s.triggerEvent()
	}
	return nil
}

// refresh fetches one child again after its data watch fired.
func (s *NodeSet[T]) refresh(id string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	conn, err := s.connector.Conn()
	if err != nil {
		s.logger.Warn("unable to refresh member", zap.String("id", id), zap.Error(err))
		return
	}

	s.fetch(conn, id)
	metrics.Members.WithLabelValues(s.path).Set(float64(len(s.entries)))
	s.triggerEvent()
}

// fetch reads a child and arms its data watch. Must be called with the lock held.
func (s *NodeSet[T]) fetch(conn zkconn.Conn, id string) {
	p := JoinPath(s.path, id)

	var (
		data []byte
		ch   <-chan zk.Event
		err  error
	)
	for i := 0; ; i++ {
		data, _, ch, err = conn.GetW(p)

		// Found this SOH check while browsing the docker/libkv source
		// https://github.com/docker/libkv/commit/035e8143a336ceb29760c07278ef930f49767377
		if err != nil || string(data) != SOH || i >= maxSOHRetries {
			break
		}
	}

	if err == zk.ErrNoNode {
		// deleted after it was listed, the children watch has fired already
		delete(s.entries, id)
		delete(s.dataGen, id)
		return
	}
	if err != nil {
		// no watch is armed, the next reload fetches it again
		s.logger.Warn("unable to fetch member data", zap.String("id", id), zap.Error(err))
		delete(s.dataGen, id)
		s.entries[id] = Entry[T]{ID: id, Err: err}
		return
	}

	gen := s.nextGen()
	s.dataGen[id] = gen
	s.forward(dataWatch, id, gen, ch)

	value, err := s.deserialize(data)
	if err != nil {
		s.logger.Warn("unable to deserialize member data", zap.String("id", id), zap.ByteString("data", data), zap.Error(err))
		var zero T
		value = zero
	}
	s.entries[id] = Entry[T]{ID: id, Raw: data, Value: value, Err: err}
}

// forward hands the single event of ch to the run loop.
func (s *NodeSet[T]) forward(kind watchKind, id string, gen uint64, ch <-chan zk.Event) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.events <- watchEvent{kind: kind, id: id, gen: gen, ev: ev}:
			case <-s.done:
			}
		case <-s.done:
		}
	}()
}

// triggerEvent will queue up something in the Event channel if there isn't already something there.
// Must be called with the lock held.
func (s *NodeSet[T]) triggerEvent() {
	s.eventCount++
	s.lastEvent = time.Now()

	select {
	case s.event <- struct{}{}:
	default:
	}
}

// Resync asks the NodeSet to list and fetch every child again. It is done
// automatically on every new session.
func (s *NodeSet[T]) Resync() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

// Watching reports whether a children watch is currently armed.
func (s *NodeSet[T]) Watching() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.watching
}

// Synced reports whether the children watch and a data watch on every
// known member are armed. Members whose read failed leave it false until a
// reload fetches them again.
func (s *NodeSet[T]) Synced() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if !s.watching {
		return false
	}
	for id := range s.entries {
		if _, armed := s.dataGen[id]; !armed {
			return false
		}
	}
	return true
}

// Snapshot returns the current entries ordered by id.
func (s *NodeSet[T]) Snapshot() []Entry[T] {
	s.lock.RLock()
	defer s.lock.RUnlock()

	out := make([]Entry[T], 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the value of member id. Unknown members and members whose
// data could not be decoded report false.
func (s *NodeSet[T]) Lookup(id string) (T, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	e, ok := s.entries[id]
	if !ok || e.Err != nil {
		var zero T
		return zero, false
	}
	return e.Value, true
}

// RandomSample returns the value of a uniformly chosen member.
func (s *NodeSet[T]) RandomSample() (T, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	values := make([]T, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Err == nil {
			values = append(values, e.Value)
		}
	}
	if len(values) == 0 {
		var zero T
		return zero, false
	}
	return values[fastrand.Intn(len(values))], true
}

// Len returns the number of known members.
func (s *NodeSet[T]) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.entries)
}

// Path returns the watched group path.
func (s *NodeSet[T]) Path() string {
	return s.path
}

// Event returns the event channel. This channel will get an object
// whenever something changes with the list of members.
func (s *NodeSet[T]) Event() <-chan struct{} {
	return s.event
}

// EventCount returns how many changes have been signalled.
func (s *NodeSet[T]) EventCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.eventCount
}

// LastEvent returns when the last change was signalled.
func (s *NodeSet[T]) LastEvent() time.Time {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.lastEvent
}

// Close stops watching and blocks until all watch goroutines are gone.
func (s *NodeSet[T]) Close() {
	s.closeOnce.Do(func() {
		if s.cancelSession != nil {
			s.cancelSession()
		}
		close(s.done)
		s.wg.Wait()

		// the goroutine processing events must be terminated
		// before we close this channel, since it might still be sending events.
		close(s.event)
	})
}

// IsClosed returns if this NodeSet has been closed. This is a way for libraries wrapping
// this package to know if their underlying watch is closed and should stop looking for events.
func (s *NodeSet[T]) IsClosed() bool {
	select {
	case <-s.done:
		return true
	default:
	}

	return false
}
