package node

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 20
)

// Transport carries serialized frames to a single peer. Implementations must
// be safe for concurrent Send calls.
type Transport interface {
	Send(b []byte) error
	Close() error
}

// Socket adapts a gorilla websocket connection to Transport. Writes are
// serialized because the underlying connection allows one writer at a time.
type Socket struct {
	id   string
	conn *websocket.Conn
	wmu  sync.Mutex
	once sync.Once
}

// NewSocket wraps conn and assigns it a connection id used in logs.
func NewSocket(conn *websocket.Conn) *Socket {
	conn.SetReadLimit(maxMessageSize)
	return &Socket{id: uuid.NewString(), conn: conn}
}

// ID returns the connection id.
func (s *Socket) ID() string { return s.id }

// Send writes one text frame.
func (s *Socket) Send(b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// Read blocks for the next frame. Only one goroutine may read.
func (s *Socket) Read() ([]byte, error) {
	_, b, err := s.conn.ReadMessage()
	return b, err
}

// Close sends a close frame (best effort) and closes the connection once.
func (s *Socket) Close() error {
	var err error
	s.once.Do(func() {
		s.wmu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.wmu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// IsClosed reports whether err is an ordinary end of the connection rather
// than a protocol failure worth logging.
func IsClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
