package zkconn

import (
	"fmt"

	"github.com/samuel/go-zookeeper/zk"
)

// Session is a point in time view of the connector's ensemble session.
// Do not hold on to Conn across a reconnect, ask the Connector again.
type Session struct {
	Conn    Conn
	ID      int64
	State   zk.State
	Servers []string
}

// Alive reports whether the session can still serve requests or recover on
// its own. Expired, rejected and closed sessions are not alive.
func (s Session) Alive() bool {
	if s.Conn == nil {
		return false
	}
	switch s.State {
	case zk.StateExpired, zk.StateAuthFailed, zk.StateUnknown:
		return false
	}
	return true
}

// Connected reports whether the session is established right now.
func (s Session) Connected() bool {
	return s.Conn != nil && (s.State == zk.StateHasSession || s.State == zk.StateConnected)
}

func (s Session) String() string {
	ok := "NO"
	if s.Connected() {
		ok = "OK"
	}
	return fmt.Sprintf("connection:%s (state:%s, alive:%t, session:0x%x)", ok, s.State, s.Alive(), s.ID)
}
