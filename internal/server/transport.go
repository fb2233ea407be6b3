package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeDeadline bounds a single frame write to a slow client.
const writeDeadline = 10 * time.Second

// wsTransport adapts a websocket connection to the session transport.
// Gorilla allows only one concurrent writer, so a mutex serializes
// responses and control pushes from different channel workers.
type wsTransport struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newWSTransport(ws *websocket.Conn) *wsTransport {
	return &wsTransport{ws: ws}
}

// WriteFrame writes one binary frame to the client.
func (t *wsTransport) WriteFrame(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	return t.ws.WriteMessage(websocket.BinaryMessage, frame)
}
