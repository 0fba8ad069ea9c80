package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/pulsechat/pulse/domain"
	"github.com/pulsechat/pulse/pkg/ticket"
	"github.com/pulsechat/pulse/storage"
	"github.com/pulsechat/pulse/storage/badgerstore"
)

// fakeConn records every frame it receives.
type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
	dead   bool
}

func (c *fakeConn) Emit(f Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return false
	}
	c.frames = append(c.frames, f)
	return true
}

// framesFor returns the recorded frames for one event, oldest first.
func (c *fakeConn) framesFor(event string) []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Frame
	for _, f := range c.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// messagesFor decodes every recorded frame for event as a message record.
func (c *fakeConn) messagesFor(t *testing.T, event string) []domain.Message {
	t.Helper()
	var out []domain.Message
	for _, f := range c.framesFor(event) {
		var msg domain.Message
		require.NoError(t, json.Unmarshal(f.Data, &msg))
		out = append(out, msg)
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := badgerstore.New(db, log)
	return NewEngine(log, store, ticket.New([]byte("test-secret"), time.Hour)), store
}

func seedUser(t *testing.T, store storage.Store, id string) {
	t.Helper()
	require.NoError(t, store.CreateUser(context.Background(), &domain.User{
		ID:        id,
		Name:      id,
		Email:     id + "@example.com",
		CreatedAt: time.Now().UTC(),
	}))
}

func seedGroup(t *testing.T, store storage.Store, id string, members ...string) {
	t.Helper()
	require.NoError(t, store.CreateGroup(context.Background(), &domain.Group{
		ID:        id,
		Name:      id,
		Members:   members,
		CreatedBy: members[0],
		CreatedAt: time.Now().UTC(),
	}))
}

// register attaches a recording connection without running reconciliation.
func register(e *Engine, userID string) *fakeConn {
	conn := &fakeConn{}
	e.registry.Register(userID, conn)
	return conn
}

// connect attaches a recording connection and runs the full reconciliation
// pass, the way a real websocket registration does.
func connect(t *testing.T, e *Engine, userID string) *fakeConn {
	t.Helper()
	conn := register(e, userID)
	require.NoError(t, e.reconcile(context.Background(), userID, conn))
	return conn
}
