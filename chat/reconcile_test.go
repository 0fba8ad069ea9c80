package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// A message sent while the receiver was offline is marked delivered on the
// receiver's next connect, and the sender is told.
func TestReconcile_DeliversPendingDirect(t *testing.T) {
	req := require.New(t)
	e, store := newTestEngine(t)
	ctx := context.Background()

	seedUser(t, store, "alice")
	seedUser(t, store, "bob")
	alice := register(e, "alice")

	msg, err := e.SendDirectMessage(ctx, "alice", "bob", "hey", "")
	req.NoError(err)
	req.False(msg.Delivered)
	alice.reset()

	bob := connect(t, e, "bob")

	stored, err := store.FindMessageByID(ctx, msg.ID)
	req.NoError(err)
	req.True(stored.Delivered)

	got := bob.messagesFor(t, EventNewMessage)
	req.NotEmpty(got)
	req.Equal(msg.ID, got[0].ID)
	req.True(got[0].Delivered)

	receipts := alice.messagesFor(t, EventMessageDelivered)
	req.Len(receipts, 1)
	req.Equal(msg.ID, receipts[0].ID)
}

func TestReconcile_ClearsLastOnline(t *testing.T) {
	req := require.New(t)
	e, store := newTestEngine(t)
	ctx := context.Background()

	seedUser(t, store, "alice")
	then := time.Now().UTC().Add(-time.Hour)
	_, err := store.SetLastOnline(ctx, "alice", &then)
	req.NoError(err)

	connect(t, e, "alice")

	user, err := store.FindUserByID(ctx, "alice")
	req.NoError(err)
	req.Nil(user.LastOnline)
}

func TestReconcile_DeliversPendingGroup(t *testing.T) {
	req := require.New(t)
	e, store := newTestEngine(t)
	ctx := context.Background()

	for _, id := range []string{"alice", "bob"} {
		seedUser(t, store, id)
	}
	seedGroup(t, store, "g1", "alice", "bob")

	// Nobody online: the message stays SENT.
	msg, err := e.SendGroupMessage(ctx, "alice", "g1", "hey", "")
	req.NoError(err)
	req.False(msg.Delivered)

	bob := connect(t, e, "bob")

	stored, err := store.FindMessageByID(ctx, msg.ID)
	req.NoError(err)
	req.True(stored.Delivered)

	got := bob.messagesFor(t, EventNewMessage)
	req.NotEmpty(got)
	req.Equal(msg.ID, got[0].ID)
}

// Delivered-but-unread messages are replayed so reconnecting clients can
// rebuild conversation state, without touching the read flag.
func TestReconcile_ReplaysUnread(t *testing.T) {
	req := require.New(t)
	e, store := newTestEngine(t)
	ctx := context.Background()

	seedUser(t, store, "alice")
	seedUser(t, store, "bob")
	bob := connect(t, e, "bob")

	msg, err := e.SendDirectMessage(ctx, "alice", "bob", "hey", "")
	req.NoError(err)
	req.True(msg.Delivered)

	// Bob drops and comes back without ever acknowledging.
	req.True(e.registry.Unregister("bob", bob))
	bob = connect(t, e, "bob")

	got := bob.messagesFor(t, EventNewMessage)
	req.NotEmpty(got)
	req.Equal(msg.ID, got[0].ID)

	stored, err := store.FindMessageByID(ctx, msg.ID)
	req.NoError(err)
	req.False(stored.Read)
}

func TestReconcile_UnknownUserFails(t *testing.T) {
	e, _ := newTestEngine(t)
	conn := register(e, "ghost")
	require.Error(t, e.reconcile(context.Background(), "ghost", conn))
}

func TestReconcile_BroadcastsOnlineUsers(t *testing.T) {
	req := require.New(t)
	e, store := newTestEngine(t)

	seedUser(t, store, "alice")
	seedUser(t, store, "bob")
	alice := connect(t, e, "alice")
	alice.reset()

	connect(t, e, "bob")

	frames := alice.framesFor(EventGetOnlineUsers)
	req.NotEmpty(frames)
	req.JSONEq(`["alice","bob"]`, string(frames[len(frames)-1].Data))
}
