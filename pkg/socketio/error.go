package socketio

import "github.com/gorilla/websocket"

func writeError(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func writeClose(ws *websocket.Conn) {
	_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
}

func writePing(ws *websocket.Conn) error {
	return ws.WriteMessage(websocket.PingMessage, []byte{})
}
