package server

import (
	"io"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/session"
	"github.com/gorilla/websocket"
)

const (
	maxFrameBytes = 1 << 20
	writeTimeout  = 10 * time.Second
)

// wsConn carries session frames as binary websocket messages.
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(maxFrameBytes)
	return &wsConn{conn: conn}
}

// ReadFrame returns io.EOF once the client closes the socket. Frames that do
// not parse are answered with a rejection and skipped.
func (c *wsConn) ReadFrame() (session.Frame, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return session.Frame{}, io.EOF
			}
			return session.Frame{}, err
		}
		if messageType != websocket.BinaryMessage {
			if err := c.WriteFrame(session.RejectFrame(session.ReasonUnsupportedFrame)); err != nil {
				return session.Frame{}, err
			}
			continue
		}
		frame, err := session.DecodeFrame(data)
		if err != nil {
			if err := c.WriteFrame(session.RejectFrame(session.ReasonUnsupportedFrame)); err != nil {
				return session.Frame{}, err
			}
			continue
		}
		return frame, nil
	}
}

func (c *wsConn) WriteFrame(frame session.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, session.EncodeFrame(frame))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// The close handshake is best effort; the peer may already be gone.
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
