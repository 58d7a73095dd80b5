package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"g3-engine/internal/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Outbound buffer per connection; a consumer further behind than this
	// loses events rather than stalling the broadcaster.
	sendBufferSize = 256
)

// Client adapts a gorilla connection to the broadcaster's Conn contract.
// Writes go through a buffered channel drained by writePump so Send never
// blocks; overflow closes the connection instead of queueing unbounded.
type Client struct {
	jobID       uuid.UUID
	conn        *websocket.Conn
	broadcaster *Broadcaster
	send        chan []byte
	closeOnce   sync.Once
	closed      chan struct{}
}

// NewClient wraps an upgraded connection, registers it for the job's
// events, and starts the read/write pumps.
func NewClient(jobID uuid.UUID, conn *websocket.Conn, broadcaster *Broadcaster) *Client {
	c := &Client{
		jobID:       jobID,
		conn:        conn,
		broadcaster: broadcaster,
		send:        make(chan []byte, sendBufferSize),
		closed:      make(chan struct{}),
	}
	broadcaster.Register(jobID, c)
	go c.writePump()
	go c.readPump()
	return c
}

// Send implements Conn. A full buffer returns an error so the broadcaster
// prunes this connection.
func (c *Client) Send(data []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		logging.L().Warn("subscriber buffer full, dropping connection",
			zap.String("job_id", c.jobID.String()))
		return websocket.ErrCloseSent
	}
}

// Close implements Conn. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

// readPump consumes the client side of the socket. Subscribers never send
// application messages; the pump exists to process pongs and to notice
// the peer going away.
func (c *Client) readPump() {
	defer func() {
		c.broadcaster.Unregister(c.jobID, c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logging.L().Debug("subscriber read error",
					zap.String("job_id", c.jobID.String()), zap.Error(err))
			}
			return
		}
	}
}

// writePump drains the send buffer onto the socket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
