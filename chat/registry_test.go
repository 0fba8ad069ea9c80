package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_ReplaceKeepsNewest(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()

	first := &fakeConn{}
	second := &fakeConn{}

	r.Register("alice", first)
	r.Register("alice", second)

	conn, ok := r.Lookup("alice")
	req.True(ok)
	req.Same(second, conn)
}

// A slow teardown of a replaced connection must not evict the connection
// that replaced it.
func TestRegistry_StaleUnregisterIsNoop(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()

	first := &fakeConn{}
	second := &fakeConn{}

	r.Register("alice", first)
	r.Register("alice", second)

	req.False(r.Unregister("alice", first))
	req.True(r.Online("alice"))

	req.True(r.Unregister("alice", second))
	req.False(r.Online("alice"))
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()

	r.Register("carol", &fakeConn{})
	r.Register("alice", &fakeConn{})
	r.Register("bob", &fakeConn{})

	req.Equal([]string{"alice", "bob", "carol"}, r.Snapshot())
}

func TestRegistry_BroadcastSurvivesDeadConn(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()

	dead := &fakeConn{dead: true}
	live := &fakeConn{}
	r.Register("alice", dead)
	r.Register("bob", live)

	r.Broadcast(newFrame(EventGetOnlineUsers, r.Snapshot()))

	req.Len(live.framesFor(EventGetOnlineUsers), 1)
	req.Empty(dead.frames)
}
