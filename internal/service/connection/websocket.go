package connection

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/memorial-call/backend/internal/model/protocol"
)

const writeWait = 10 * time.Second

// WSTransport adapts a gorilla connection. gorilla allows one concurrent
// writer, so every write goes through mu.
type WSTransport struct {
	id   string
	conn *websocket.Conn
	now  func() time.Time

	mu        sync.Mutex
	closeOnce sync.Once
}

// NewWSTransport wraps conn with a fresh transport id.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{
		id:   uuid.NewString(),
		conn: conn,
		now:  time.Now,
	}
}

func (t *WSTransport) ID() string { return t.id }

// Conn exposes the underlying connection to the read loop.
func (t *WSTransport) Conn() *websocket.Conn { return t.conn }

// Send writes msg as a JSON text frame stamped with the send time.
func (t *WSTransport) Send(msg protocol.Outbound) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(t.now().Add(writeWait))
	return t.conn.WriteJSON(msg.Stamped(t.now()))
}

// Ping writes a control ping.
func (t *WSTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, t.now().Add(writeWait))
}

// Close sends a close frame with code and reason, then drops the socket.
// Only the first call has any effect.
func (t *WSTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), t.now().Add(time.Second))
		t.mu.Unlock()
		err = t.conn.Close()
	})
	return err
}
