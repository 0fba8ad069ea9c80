// Package socketio wraps a gorilla websocket connection with typed JSON
// framing, a dedicated writer goroutine and ping/pong keepalive.
package socketio

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeTimeout = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongTimeout = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongTimeout.
	pingTimeout = (pongTimeout * 9) / 10

	maxMessageSize = 4096

	readBufferSize  = 1024
	writeBufferSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  readBufferSize,
	WriteBufferSize: writeBufferSize,
}

// Upgrade promotes an HTTP request to a websocket and wraps it in a Socket.
// The caller owns the socket and must close it.
func Upgrade[T any](w http.ResponseWriter, r *http.Request) (*Socket[T], error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewSocket[T](conn), nil
}

type Socket[T any] struct {
	ID             string
	WriteTimeout   time.Duration
	PingTimeout    time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64

	conn    *websocket.Conn
	done    chan struct{}
	quit    sync.Once
	wg      sync.WaitGroup
	readCh  chan T
	writeCh chan any
}

func NewSocket[T any](conn *websocket.Conn) *Socket[T] {
	socket := &Socket[T]{
		ID:             uuid.New().String(),
		WriteTimeout:   writeTimeout,
		PongTimeout:    pongTimeout,
		PingTimeout:    pingTimeout,
		MaxMessageSize: maxMessageSize,

		conn:    conn,
		done:    make(chan struct{}),
		readCh:  make(chan T),
		writeCh: make(chan any),
	}

	socket.wg.Add(1)
	go func() {
		defer socket.wg.Done()

		socket.writer()
	}()

	socket.wg.Add(1)
	go func() {
		defer socket.wg.Done()

		socket.reader()
	}()

	return socket
}

// Emit queues a message for the peer. It reports false once the socket is
// closed, which callers treat as the connection being already gone.
func (s *Socket[T]) Emit(msg T) bool {
	select {
	case <-s.done:
		return false
	case s.writeCh <- msg:
		return true
	}
}

// Listen returns inbound messages. The channel is closed when the peer
// disconnects or the read deadline expires.
func (s *Socket[T]) Listen() <-chan T {
	return s.readCh
}

// Reject writes a close frame with the given reason and tears the socket
// down. Used when the handshake is refused.
func (s *Socket[T]) Reject(code int, reason string) {
	writeError(s.conn, code, reason)
	s.Close()
}

// Close is idempotent and safe to call from multiple goroutines.
func (s *Socket[T]) Close() {
	s.quit.Do(func() {
		close(s.done)
		s.conn.Close()
		s.wg.Wait()
	})
}

// writer owns all writes to the connection. After a write failure it keeps
// draining the queue so concurrent Emit calls never block while the socket
// is being torn down.
func (s *Socket[T]) writer() {
	pinger := time.NewTicker(s.PingTimeout)
	defer pinger.Stop()

	var dead bool
	for {
		select {
		case <-s.done:
			if !dead {
				writeClose(s.conn)
			}
			return
		case msg := <-s.writeCh:
			if dead {
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				writeError(s.conn, websocket.CloseInternalServerErr, err.Error())
				s.conn.Close()
				dead = true
			}
		case <-pinger.C:
			if dead {
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
			if err := writePing(s.conn); err != nil {
				s.conn.Close()
				dead = true
			}
		}
	}
}

func (s *Socket[T]) reader() {
	defer close(s.readCh)

	s.conn.SetReadLimit(s.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.PongTimeout))
	})

	for {
		var msg T
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Debug("socket: read error", "id", s.ID, "err", err)
			}
			return
		}

		select {
		case <-s.done:
			return
		case s.readCh <- msg:
		}
	}
}
