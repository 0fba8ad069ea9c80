package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/pulsechat/pulse/domain"
	"github.com/pulsechat/pulse/storage"
)

var (
	ErrEmptyMessage = errors.New("chat: message has no text or image")
	ErrNotMember    = errors.New("chat: sender is not a group member")
)

// SendDirectMessage persists a direct message and attempts immediate
// delivery. The message stays SENT when the receiver has no live
// connection; reconciliation picks it up on their next connect.
func (e *Engine) SendDirectMessage(ctx context.Context, senderID, receiverID, text, image string) (*domain.Message, error) {
	if text == "" && image == "" {
		return nil, ErrEmptyMessage
	}
	if _, err := e.store.FindUserByID(ctx, receiverID); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		Image:      image,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	if conn, ok := e.registry.Lookup(receiverID); ok {
		flipped, err := e.store.MarkDelivered(ctx, []string{msg.ID})
		switch {
		case err != nil:
			// Leave the message SENT; the receiver's next reconciliation
			// catches it up.
			e.log.Error("delivery: failed to mark delivered", "msg", msg.ID, "err", err)
		case len(flipped) > 0:
			msg.Delivered = true
			conn.Emit(newFrame(EventNewMessage, msg))
			e.emitTo(senderID, EventMessageDelivered, msg)
		default:
			// A concurrent reconciliation for the receiver already marked
			// the message delivered, pushed it and receipted the sender.
			msg.Delivered = true
		}
	}

	// Echo to the sender's own connection so all of its clients agree on
	// the conversation state.
	e.emitTo(senderID, EventNewMessage, msg)

	return msg, nil
}

// SendGroupMessage persists a group message and delivers it to every live
// member. The message counts as delivered once any member besides the
// sender was reachable. The sender is pre-seeded into readBy.
func (e *Engine) SendGroupMessage(ctx context.Context, senderID, groupID, text, image string) (*domain.Message, error) {
	if text == "" && image == "" {
		return nil, ErrEmptyMessage
	}
	group, err := e.store.FindGroupByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !group.HasMember(senderID) {
		return nil, ErrNotMember
	}

	msg := &domain.Message{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		GroupID:   groupID,
		Text:      text,
		Image:     image,
		ReadBy:    []string{senderID},
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	live := lo.Filter(group.MembersExcept(senderID), func(member string, _ int) bool {
		return e.registry.Online(member)
	})

	var flipped []string
	if len(live) > 0 {
		var err error
		flipped, err = e.store.MarkDelivered(ctx, []string{msg.ID})
		if err != nil {
			e.log.Error("delivery: failed to mark delivered", "msg", msg.ID, "err", err)
		} else {
			msg.Delivered = true
		}
	}

	for _, member := range live {
		e.emitTo(member, EventNewMessage, msg)
	}
	e.emitTo(senderID, EventNewMessage, msg)
	// The receipt follows the actual flag transition; a reconciliation that
	// won the race has already receipted the sender.
	if len(flipped) > 0 {
		e.emitTo(senderID, EventMessageDelivered, msg)
	}

	return msg, nil
}

// onMarkMessagesAsRead handles a client's read acknowledgement for one
// conversation. Malformed or unknown conversation ids are logged and
// dropped, never fatal.
func (e *Engine) onMarkMessagesAsRead(ctx context.Context, sess *Session, data json.RawMessage) {
	var p MarkReadPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ChatID == "" {
		e.log.Warn("delivery: malformed read acknowledgement", "user", sess.UserID, "err", err)
		return
	}

	if p.IsGroup {
		e.markGroupRead(ctx, sess.UserID, p.ChatID)
	} else {
		e.markDirectRead(ctx, sess.UserID, p.ChatID)
	}
}

// markDirectRead flips read=true on every unread direct message the reader
// received from the counterpart, notifying both sides per message.
func (e *Engine) markDirectRead(ctx context.Context, readerID, counterpartID string) {
	msgs, err := e.store.FindMessages(ctx, storage.MessageFilter{
		ReceiverID: readerID,
		SenderID:   counterpartID,
		Read:       lo.ToPtr(false),
		DirectOnly: true,
	})
	if err != nil {
		e.log.Error("delivery: failed to load unread direct messages", "user", readerID, "err", err)
		return
	}

	for _, msg := range msgs {
		updated, err := e.store.MarkRead(ctx, msg.ID)
		if err != nil {
			e.log.Error("delivery: failed to mark read", "msg", msg.ID, "err", err)
			continue
		}
		e.emitTo(updated.SenderID, EventMessageRead, updated)
		e.emitTo(readerID, EventMessageRead, updated)
	}
}

// markGroupRead records the reader's acknowledgement on every group message
// they have not read yet, recomputes the aggregate read flag and pushes the
// updated record to every live member so clients can advance tick state.
func (e *Engine) markGroupRead(ctx context.Context, readerID, groupID string) {
	group, err := e.store.FindGroupByID(ctx, groupID)
	if err != nil {
		e.log.Warn("delivery: read acknowledgement for unknown group", "group", groupID, "err", err)
		return
	}
	if !group.HasMember(readerID) {
		e.log.Warn("delivery: read acknowledgement from non-member", "group", groupID, "user", readerID)
		return
	}

	msgs, err := e.store.FindMessages(ctx, storage.MessageFilter{
		GroupID:       groupID,
		ExcludeSender: readerID,
		Read:          lo.ToPtr(false),
	})
	if err != nil {
		e.log.Error("delivery: failed to load unread group messages", "group", groupID, "err", err)
		return
	}

	for _, msg := range msgs {
		updated, _, err := e.store.AddReadBy(ctx, msg.ID, readerID)
		if err != nil {
			e.log.Error("delivery: failed to record readBy", "msg", msg.ID, "err", err)
			continue
		}

		if !updated.Read && updated.AllRead(group.Members) {
			updated, err = e.store.MarkRead(ctx, msg.ID)
			if err != nil {
				e.log.Error("delivery: failed to mark read", "msg", msg.ID, "err", err)
				continue
			}
		}

		for _, member := range group.Members {
			e.emitTo(member, EventMessageRead, updated)
		}
	}
}
