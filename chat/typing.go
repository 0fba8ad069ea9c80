package chat

import (
	"context"
	"encoding/json"
)

// Typing signals are ephemeral: relayed to the conversation's live
// counterparts and never persisted, acknowledged or retried. The server
// never synthesizes a stopTyping; that is the sending client's job.

func (e *Engine) onTyping(ctx context.Context, sess *Session, data json.RawMessage) {
	e.relayTyping(ctx, sess, EventTyping, data)
}

func (e *Engine) onStopTyping(ctx context.Context, sess *Session, data json.RawMessage) {
	e.relayTyping(ctx, sess, EventStopTyping, data)
}

func (e *Engine) relayTyping(ctx context.Context, sess *Session, event string, data json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ChatID == "" {
		e.log.Warn("typing: malformed payload", "user", sess.UserID, "err", err)
		return
	}
	// The session identity is authoritative; clients cannot relay signals
	// on behalf of someone else.
	p.SenderID = sess.UserID

	if !p.IsGroup {
		if p.ChatID != p.SenderID {
			e.emitTo(p.ChatID, event, p)
		}
		return
	}

	group, err := e.store.FindGroupByID(ctx, p.ChatID)
	if err != nil {
		e.log.Warn("typing: unknown group", "group", p.ChatID, "err", err)
		return
	}
	for _, member := range group.MembersExcept(p.SenderID) {
		e.emitTo(member, event, p)
	}
}
