package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pulsechat/pulse/domain"
)

// broadcastOnlineUsers publishes the current online set to every live
// connection. Called after every successful registration and unregistration.
func (e *Engine) broadcastOnlineUsers() {
	e.registry.Broadcast(newFrame(EventGetOnlineUsers, e.registry.Snapshot()))
}

// markOffline persists the user's lastOnline timestamp and publishes both
// the refreshed online set and a point update for the user. The point
// update is only sent once the repository write succeeded, so clients never
// see a lastOnline the store does not hold.
func (e *Engine) markOffline(ctx context.Context, userID string) {
	now := time.Now().UTC()
	user, err := e.store.SetLastOnline(ctx, userID, &now)

	e.broadcastOnlineUsers()

	if err != nil {
		e.log.Error("presence: failed to persist lastOnline", "user", userID, "err", err)
		return
	}
	e.registry.Broadcast(newFrame(EventUserLastOnlineUpdated, LastOnlinePayload{
		UserID:     user.ID,
		LastOnline: user.LastOnline,
	}))
}

// onRequestOnlineUsers answers a client's explicit presence query.
func (e *Engine) onRequestOnlineUsers(ctx context.Context, sess *Session, _ json.RawMessage) {
	sess.Conn.Emit(newFrame(EventGetOnlineUsers, e.registry.Snapshot()))
}

// anyMemberOnline reports whether any group member besides the sender
// currently holds a live connection.
func (e *Engine) anyMemberOnline(group *domain.Group, senderID string) bool {
	for _, member := range group.MembersExcept(senderID) {
		if e.registry.Online(member) {
			return true
		}
	}
	return false
}
