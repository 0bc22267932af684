package hostws

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// client is one host session. Replies are never dropped; events go through an
// overlapped ring that discards the oldest entry when the host falls behind.
type client struct {
	id     uuid.UUID
	conn   *websocket.Conn
	logger *logrus.Entry

	replies chan []byte
	events  mpmc.RichOverlappedRingBuffer[[]byte]
	wake    chan struct{}

	queued  atomic.Uint64
	dropped atomic.Uint64
}

func newClient(conn *websocket.Conn, queueSize uint32, logger *logrus.Logger) *client {
	id := uuid.New()
	c := &client{
		id:      id,
		conn:    conn,
		replies: make(chan []byte, 16),
		events:  mpmc.NewOverlappedRingBuffer[[]byte](queueSize),
		wake:    make(chan struct{}, 1),
	}

	fields := logrus.Fields{"session": id.String()}
	if conn != nil {
		fields["remote"] = conn.RemoteAddr().String()
	}
	c.logger = logger.WithFields(fields)
	return c
}

// enqueueEvent never blocks the caller, which is usually a read pump.
func (c *client) enqueueEvent(frame []byte) {
	overwrites, err := c.events.EnqueueM(frame)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to queue event")
		return
	}
	c.queued.Add(1)
	if overwrites > 0 {
		c.dropped.Add(uint64(overwrites))
		c.logger.WithField("dropped", c.dropped.Load()).Debug("Client is slow, dropped oldest events")
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// sendReply blocks until the writer accepts the reply or the session ends.
func (c *client) sendReply(ctx context.Context, frame []byte) bool {
	select {
	case c.replies <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

// drainEvents hands every queued event to write, oldest first.
func (c *client) drainEvents(write func([]byte) error) error {
	for !c.events.IsEmpty() {
		frame, err := c.events.Dequeue()
		if err != nil {
			// emptied concurrently
			return nil
		}
		if err := write(frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) write(frame []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// writeLoop is the only goroutine that writes to the connection.
func (c *client) writeLoop(ctx context.Context, pingInterval time.Duration) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-c.replies:
			if err := c.write(frame); err != nil {
				return err
			}
		case <-c.wake:
			if err := c.drainEvents(c.write); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}
