// Package chat implements the presence and delivery synchronization engine:
// it tracks which users hold a live connection, fans messages out to the
// right connections, advances each message through its delivery/read
// lifecycle and reconciles state when a user reconnects.
package chat

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/pulsechat/pulse/pkg/socketio"
	"github.com/pulsechat/pulse/pkg/ticket"
	"github.com/pulsechat/pulse/storage"
)

// Session is one authenticated live connection.
type Session struct {
	UserID string
	Conn   Conn
}

type Engine struct {
	log      *slog.Logger
	store    storage.Store
	issuer   ticket.Issuer
	registry *Registry
	dispatch *dispatcher
}

func NewEngine(log *slog.Logger, store storage.Store, issuer ticket.Issuer) *Engine {
	e := &Engine{
		log:      log,
		store:    store,
		issuer:   issuer,
		registry: NewRegistry(),
		dispatch: newDispatcher(),
	}

	e.dispatch.On(EventMarkMessagesAsRead, e.onMarkMessagesAsRead)
	e.dispatch.On(EventTyping, e.onTyping)
	e.dispatch.On(EventStopTyping, e.onStopTyping)
	e.dispatch.On(EventRequestOnlineUsers, e.onRequestOnlineUsers)

	return e
}

// Registry exposes the online set to collaborators outside the engine.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// ServeWS upgrades the handshake, registers the connection and runs its
// event loop until the peer goes away. The identity comes from the ticket
// in the query string; a missing or invalid ticket refuses the connection.
func (e *Engine) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := e.issuer.Verify(r.URL.Query().Get("token"))
	if err != nil || userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	socket, err := socketio.Upgrade[Frame](w, r)
	if err != nil {
		e.log.Error("engine: websocket upgrade failed", "err", err)
		return
	}

	sess := &Session{UserID: userID, Conn: socket}

	// Registration must be visible before reconciliation scans the store:
	// a sender that misses the registry lookup persists the message first,
	// so the scan below picks it up. The two orderings together close the
	// register/deliver race.
	e.registry.Register(userID, socket)
	e.log.Info("engine: connected", "user", userID, "socket", socket.ID)

	defer e.disconnect(r.Context(), sess, socket)

	if err := e.reconcile(r.Context(), userID, socket); err != nil {
		e.log.Error("engine: reconciliation failed, dropping connection", "user", userID, "err", err)
		socket.Reject(websocket.CloseTryAgainLater, "reconciliation failed")
		return
	}

	for frame := range socket.Listen() {
		if !e.dispatch.Dispatch(r.Context(), sess, frame) {
			e.log.Warn("engine: unhandled event", "user", userID, "event", frame.Event)
		}
	}
}

// disconnect removes the handle from the registry unless a newer connection
// already replaced it, then publishes the presence change.
func (e *Engine) disconnect(ctx context.Context, sess *Session, socket *socketio.Socket[Frame]) {
	socket.Close()

	if !e.registry.Unregister(sess.UserID, sess.Conn) {
		// A newer connection for the same identity owns the entry now.
		return
	}
	e.log.Info("engine: disconnected", "user", sess.UserID, "socket", socket.ID)

	e.markOffline(ctx, sess.UserID)
}

// emitTo pushes an event to a user's live connection, if any. Best-effort:
// an absent or closed connection is a no-op.
func (e *Engine) emitTo(userID, event string, payload any) bool {
	conn, ok := e.registry.Lookup(userID)
	if !ok {
		return false
	}
	return conn.Emit(newFrame(event, payload))
}
