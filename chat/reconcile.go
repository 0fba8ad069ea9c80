package chat

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/pulsechat/pulse/domain"
	"github.com/pulsechat/pulse/storage"
)

// reconcile catches a (re)connecting user up on everything that happened
// while they were unreachable. It runs synchronously after the connection
// is registered and before it is considered ready; any error aborts the
// registration and disconnects the connection, forcing a client retry.
func (e *Engine) reconcile(ctx context.Context, userID string, conn Conn) error {
	if _, err := e.store.FindUserByID(ctx, userID); err != nil {
		return fmt.Errorf("chat: reconcile: unknown user %s: %w", userID, err)
	}

	if _, err := e.store.SetLastOnline(ctx, userID, nil); err != nil {
		return fmt.Errorf("chat: reconcile: failed to clear lastOnline: %w", err)
	}

	if err := e.reconcileDirect(ctx, userID, conn); err != nil {
		return fmt.Errorf("chat: reconcile: direct messages: %w", err)
	}

	groupIDs, err := e.store.FindGroupIDsForMember(ctx, userID)
	if err != nil {
		return fmt.Errorf("chat: reconcile: group membership: %w", err)
	}

	if err := e.reconcileGroups(ctx, userID, groupIDs, conn); err != nil {
		return fmt.Errorf("chat: reconcile: group messages: %w", err)
	}

	if err := e.replayUnread(ctx, userID, groupIDs, conn); err != nil {
		return fmt.Errorf("chat: reconcile: unread replay: %w", err)
	}

	e.broadcastOnlineUsers()

	return nil
}

// reconcileDirect marks every direct message that was waiting for this user
// as delivered in one batch, notifies each original sender and pushes the
// messages to the reconnecting connection.
func (e *Engine) reconcileDirect(ctx context.Context, userID string, conn Conn) error {
	pending, err := e.store.FindMessages(ctx, storage.MessageFilter{
		ReceiverID: userID,
		Delivered:  lo.ToPtr(false),
		DirectOnly: true,
	})
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	ids := lo.Map(pending, func(m domain.Message, _ int) string { return m.ID })
	flipped, err := e.store.MarkDelivered(ctx, ids)
	if err != nil {
		return err
	}

	transitioned := make(map[string]bool, len(flipped))
	for _, id := range flipped {
		transitioned[id] = true
	}

	for _, msg := range pending {
		msg.Delivered = true
		// Receipt the sender only for messages this pass transitioned; a
		// racing send path owns the receipt for the rest.
		if transitioned[msg.ID] {
			e.emitTo(msg.SenderID, EventMessageDelivered, msg)
		}
		conn.Emit(newFrame(EventNewMessage, msg))
	}
	return nil
}

// reconcileGroups advances undelivered group messages in this user's groups.
// A group message becomes delivered when any member besides its sender is
// live; since the reconnecting user just registered, that is normally the
// case, but the condition is recomputed per message.
func (e *Engine) reconcileGroups(ctx context.Context, userID string, groupIDs []string, conn Conn) error {
	if len(groupIDs) == 0 {
		return nil
	}

	pending, err := e.store.FindMessages(ctx, storage.MessageFilter{
		GroupIDs:      groupIDs,
		ExcludeSender: userID,
		Delivered:     lo.ToPtr(false),
	})
	if err != nil {
		return err
	}

	groups := make(map[string]*domain.Group, len(groupIDs))
	for _, msg := range pending {
		group, ok := groups[msg.GroupID]
		if !ok {
			group, err = e.store.FindGroupByID(ctx, msg.GroupID)
			if err != nil {
				return err
			}
			groups[msg.GroupID] = group
		}

		if !msg.Delivered && e.anyMemberOnline(group, msg.SenderID) {
			flipped, err := e.store.MarkDelivered(ctx, []string{msg.ID})
			if err != nil {
				return err
			}
			msg.Delivered = true
			if len(flipped) > 0 {
				e.emitTo(msg.SenderID, EventMessageDelivered, msg)
			}
		}

		conn.Emit(newFrame(EventNewMessage, msg))
	}
	return nil
}

// replayUnread pushes every still-unread message to the reconnecting
// connection so its client can rebuild conversation state without a
// bespoke backfill endpoint. This is a presentation replay only; nothing
// is marked read. Clients de-duplicate by message id.
func (e *Engine) replayUnread(ctx context.Context, userID string, groupIDs []string, conn Conn) error {
	unreadDirect, err := e.store.FindMessages(ctx, storage.MessageFilter{
		ReceiverID: userID,
		Read:       lo.ToPtr(false),
		DirectOnly: true,
	})
	if err != nil {
		return err
	}

	var unreadGroup []domain.Message
	if len(groupIDs) > 0 {
		unreadGroup, err = e.store.FindMessages(ctx, storage.MessageFilter{
			GroupIDs:  groupIDs,
			Read:      lo.ToPtr(false),
			NotReadBy: userID,
		})
		if err != nil {
			return err
		}
	}

	for _, msg := range append(unreadDirect, unreadGroup...) {
		conn.Emit(newFrame(EventNewMessage, msg))
	}
	return nil
}
