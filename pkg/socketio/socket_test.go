package socketio

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Event string `json:"event"`
}

// dial spins up a server that wraps the upgraded connection in a Socket and
// returns both ends.
func dial(t *testing.T) (*Socket[frame], *websocket.Conn) {
	t.Helper()

	sockets := make(chan *Socket[frame], 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := Upgrade[frame](w, r)
		if err != nil {
			t.Error(err)
			return
		}
		sockets <- socket
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	socket := <-sockets
	t.Cleanup(socket.Close)
	return socket, conn
}

func TestSocket_EmitReachesPeer(t *testing.T) {
	req := require.New(t)
	socket, conn := dial(t)

	req.True(socket.Emit(frame{Event: "hello"}))

	var got frame
	req.NoError(conn.ReadJSON(&got))
	req.Equal("hello", got.Event)
}

func TestSocket_ListenReceivesPeerFrames(t *testing.T) {
	req := require.New(t)
	socket, conn := dial(t)

	req.NoError(conn.WriteJSON(frame{Event: "ping"}))

	select {
	case got := <-socket.Listen():
		req.Equal("ping", got.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
	}
}

func TestSocket_ListenClosesWhenPeerLeaves(t *testing.T) {
	req := require.New(t)
	socket, conn := dial(t)

	req.NoError(conn.Close())

	select {
	case _, ok := <-socket.Listen():
		req.False(ok)
	case <-time.After(5 * time.Second):
		t.Fatal("listen channel never closed")
	}
}

func TestSocket_CloseIsIdempotent(t *testing.T) {
	req := require.New(t)
	socket, _ := dial(t)

	socket.Close()
	socket.Close()

	req.False(socket.Emit(frame{Event: "late"}))
}
