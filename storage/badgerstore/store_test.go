package badgerstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/pulsechat/pulse/domain"
	"github.com/pulsechat/pulse/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newUser(id string) *domain.User {
	return &domain.User{
		ID:        id,
		Name:      id,
		Email:     id + "@example.com",
		CreatedAt: time.Now().UTC(),
	}
}

func newDirectMessage(id, sender, receiver string, at time.Time) *domain.Message {
	return &domain.Message{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Text:       "m-" + id,
		CreatedAt:  at,
	}
}

func TestUsers(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	req.NoError(s.CreateUser(ctx, newUser("alice")))
	req.NoError(s.CreateUser(ctx, newUser("bob")))

	dup := newUser("alice2")
	dup.Email = "alice@example.com"
	req.ErrorIs(s.CreateUser(ctx, dup), storage.ErrAlreadyExists)

	user, err := s.FindUserByEmail(ctx, "alice@example.com")
	req.NoError(err)
	req.Equal("alice", user.ID)

	_, err = s.FindUserByID(ctx, "nobody")
	req.ErrorIs(err, storage.ErrNotFound)

	users, err := s.ListUsers(ctx, "alice")
	req.NoError(err)
	req.Equal([]string{"bob"}, lo.Map(users, func(u domain.User, _ int) string { return u.ID }))
}

func TestSetLastOnline(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	req.NoError(s.CreateUser(ctx, newUser("alice")))

	now := time.Now().UTC()
	user, err := s.SetLastOnline(ctx, "alice", &now)
	req.NoError(err)
	req.NotNil(user.LastOnline)

	user, err = s.SetLastOnline(ctx, "alice", nil)
	req.NoError(err)
	req.Nil(user.LastOnline)

	stored, err := s.FindUserByID(ctx, "alice")
	req.NoError(err)
	req.Nil(stored.LastOnline)
}

func TestGroups(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	group := &domain.Group{
		ID:        "g1",
		Name:      "team",
		Members:   []string{"alice", "bob"},
		CreatedBy: "alice",
		CreatedAt: time.Now().UTC(),
	}
	req.NoError(s.CreateGroup(ctx, group))

	ids, err := s.FindGroupIDsForMember(ctx, "bob")
	req.NoError(err)
	req.Equal([]string{"g1"}, ids)

	groups, err := s.ListGroupsForMember(ctx, "alice")
	req.NoError(err)
	req.Len(groups, 1)
	req.Equal("team", groups[0].Name)

	req.NoError(s.DeleteGroup(ctx, "g1"))

	ids, err = s.FindGroupIDsForMember(ctx, "bob")
	req.NoError(err)
	req.Empty(ids)

	_, err = s.FindGroupByID(ctx, "g1")
	req.ErrorIs(err, storage.ErrNotFound)
}

func TestUpdateUser(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	req.NoError(s.CreateUser(ctx, newUser("alice")))

	user, err := s.FindUserByID(ctx, "alice")
	req.NoError(err)
	user.Name = "Alice A."
	user.ProfilePic = "avatars/alice.png"
	req.NoError(s.UpdateUser(ctx, user))

	stored, err := s.FindUserByID(ctx, "alice")
	req.NoError(err)
	req.Equal("Alice A.", stored.Name)
	req.Equal("avatars/alice.png", stored.ProfilePic)

	req.ErrorIs(s.UpdateUser(ctx, newUser("ghost")), storage.ErrNotFound)
}

// Updating a group's member list rewrites the membership index: removed
// members stop resolving the group, added ones start.
func TestUpdateGroup_Membership(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	group := &domain.Group{
		ID:        "g1",
		Name:      "team",
		Members:   []string{"alice", "bob"},
		CreatedBy: "alice",
		CreatedAt: time.Now().UTC(),
	}
	req.NoError(s.CreateGroup(ctx, group))

	group.Name = "team-renamed"
	group.Members = []string{"alice", "carol"}
	req.NoError(s.UpdateGroup(ctx, group))

	ids, err := s.FindGroupIDsForMember(ctx, "bob")
	req.NoError(err)
	req.Empty(ids)

	ids, err = s.FindGroupIDsForMember(ctx, "carol")
	req.NoError(err)
	req.Equal([]string{"g1"}, ids)

	stored, err := s.FindGroupByID(ctx, "g1")
	req.NoError(err)
	req.Equal("team-renamed", stored.Name)
	req.Equal([]string{"alice", "carol"}, stored.Members)
}

// The direct conversation index returns both directions in creation order.
func TestFindMessages_Between(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	req.NoError(s.CreateMessage(ctx, newDirectMessage("m1", "alice", "bob", base)))
	req.NoError(s.CreateMessage(ctx, newDirectMessage("m2", "bob", "alice", base.Add(time.Second))))
	req.NoError(s.CreateMessage(ctx, newDirectMessage("m3", "alice", "carol", base.Add(2*time.Second))))

	msgs, err := s.FindMessages(ctx, storage.MessageFilter{Between: [2]string{"bob", "alice"}})
	req.NoError(err)
	req.Equal([]string{"m1", "m2"}, lo.Map(msgs, func(m domain.Message, _ int) string { return m.ID }))
}

func TestFindMessages_InboxFilters(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		req.NoError(s.CreateMessage(ctx, newDirectMessage(fmt.Sprintf("m%d", i), "alice", "bob", base.Add(time.Duration(i)*time.Second))))
	}
	flipped, err := s.MarkDelivered(ctx, []string{"m0"})
	req.NoError(err)
	req.Equal([]string{"m0"}, flipped)

	pending, err := s.FindMessages(ctx, storage.MessageFilter{
		ReceiverID: "bob",
		Delivered:  lo.ToPtr(false),
		DirectOnly: true,
	})
	req.NoError(err)
	req.Equal([]string{"m1", "m2"}, lo.Map(pending, func(m domain.Message, _ int) string { return m.ID }))
}

func TestFindMessages_GroupIndexes(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	req.NoError(s.CreateMessage(ctx, &domain.Message{
		ID: "g1m1", SenderID: "alice", GroupID: "g1", Text: "a",
		ReadBy: []string{"alice"}, CreatedAt: base,
	}))
	req.NoError(s.CreateMessage(ctx, &domain.Message{
		ID: "g2m1", SenderID: "bob", GroupID: "g2", Text: "b",
		ReadBy: []string{"bob"}, CreatedAt: base.Add(time.Second),
	}))

	msgs, err := s.FindMessages(ctx, storage.MessageFilter{GroupIDs: []string{"g1", "g2"}, ExcludeSender: "bob"})
	req.NoError(err)
	req.Equal([]string{"g1m1"}, lo.Map(msgs, func(m domain.Message, _ int) string { return m.ID }))

	msgs, err = s.FindMessages(ctx, storage.MessageFilter{GroupIDs: []string{"g1", "g2"}, NotReadBy: "alice"})
	req.NoError(err)
	req.Equal([]string{"g2m1"}, lo.Map(msgs, func(m domain.Message, _ int) string { return m.ID }))
}

func TestMarkDelivered_Monotonic(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	req.NoError(s.CreateMessage(ctx, newDirectMessage("m1", "alice", "bob", time.Now().UTC())))

	// Unknown ids are skipped, known ones flip exactly once and are
	// reported only on the call that transitioned them.
	flipped, err := s.MarkDelivered(ctx, []string{"m1", "ghost"})
	req.NoError(err)
	req.Equal([]string{"m1"}, flipped)

	flipped, err = s.MarkDelivered(ctx, []string{"m1"})
	req.NoError(err)
	req.Empty(flipped)

	msg, err := s.FindMessageByID(ctx, "m1")
	req.NoError(err)
	req.True(msg.Delivered)
}

func TestMarkReadAndAddReadBy(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	req.NoError(s.CreateMessage(ctx, &domain.Message{
		ID: "m1", SenderID: "alice", GroupID: "g1", Text: "hey",
		ReadBy: []string{"alice"}, CreatedAt: time.Now().UTC(),
	}))

	msg, changed, err := s.AddReadBy(ctx, "m1", "bob")
	req.NoError(err)
	req.True(changed)
	req.ElementsMatch([]string{"alice", "bob"}, msg.ReadBy)

	msg, changed, err = s.AddReadBy(ctx, "m1", "bob")
	req.NoError(err)
	req.False(changed)
	req.ElementsMatch([]string{"alice", "bob"}, msg.ReadBy)

	msg, err = s.MarkRead(ctx, "m1")
	req.NoError(err)
	req.True(msg.Read)

	msg, err = s.MarkRead(ctx, "m1")
	req.NoError(err)
	req.True(msg.Read)

	_, err = s.MarkRead(ctx, "ghost")
	req.ErrorIs(err, storage.ErrNotFound)
}
