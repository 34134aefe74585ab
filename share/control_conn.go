package wrshare

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

var nextControlConnID int32

// AllocControlConnID allocates a unique ControlConn ID number, for logging
// purposes
func AllocControlConnID() int32 {
	return atomic.AddInt32(&nextControlConnID, 1)
}

// ControlConn wraps a single websocket with the control-channel discipline:
// binary messages each carry one Frame, text messages carry the out-of-band
// ping/pong liveness tokens, and writes from concurrent producers are
// serialized onto the socket. The underlying websocket guarantees FIFO
// delivery within each direction; no ordering holds between directions.
type ControlConn struct {
	*asyncobj.Helper
	wsConn *websocket.Conn
	name   string

	// writeLock serializes all writes to the websocket. Body pumps for
	// distinct requests interleave freely at frame granularity; blocking on
	// this lock plus the socket's TCP window is the only back-pressure
	// applied to producers.
	writeLock sync.Mutex

	// lastActivity is the unix-nano time of the most recent message received
	// on this channel, updated by the read loop
	lastActivity int64
}

// NewControlConn wraps an already-open websocket as a control channel. The
// returned ControlConn owns the websocket and closes it on shutdown.
func NewControlConn(log logger.Logger, wsConn *websocket.Conn, peer string) *ControlConn {
	name := fmt.Sprintf("[%d]ControlConn(%s)", AllocControlConnID(), peer)
	c := &ControlConn{
		wsConn:       wsConn,
		name:         name,
		lastActivity: time.Now().UnixNano(),
	}
	c.Helper = asyncobj.NewHelper(log.ForkLogStr(name), c)
	c.SetIsActivated()
	return c
}

func (c *ControlConn) String() string {
	return c.name
}

// SendFrame encodes a frame and writes it as one binary message. Safe for
// concurrent use.
func (c *ControlConn) SendFrame(f *Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return c.DLogErrorf("Frame encode failed: %s", err)
	}
	c.writeLock.Lock()
	err = c.wsConn.WriteMessage(websocket.BinaryMessage, data)
	c.writeLock.Unlock()
	return err
}

// SendText writes an out-of-band text control message ("ping" or "pong").
// Safe for concurrent use.
func (c *ControlConn) SendText(msg string) error {
	c.writeLock.Lock()
	err := c.wsConn.WriteMessage(websocket.TextMessage, []byte(msg))
	c.writeLock.Unlock()
	return err
}

// LastActivity returns the time of the most recent message received on this
// channel
func (c *ControlConn) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

// ReadLoop reads messages until the channel fails or is shut down, invoking
// onFrame for each well-formed binary frame and onText for each text message.
// Malformed frames are dropped. The handlers run on the read goroutine, so
// frames for one connection are always applied in arrival order. Returns the
// read error that ended the loop.
func (c *ControlConn) ReadLoop(onFrame func(*Frame), onText func(string)) error {
	for {
		msgType, data, err := c.wsConn.ReadMessage()
		if err != nil {
			c.DLogf("Read loop ending: %s", err)
			return err
		}
		atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
		switch msgType {
		case websocket.BinaryMessage:
			f, err := DecodeFrame(data)
			if err != nil {
				c.DLogf("Dropping malformed frame: %s", err)
				continue
			}
			onFrame(f)
		case websocket.TextMessage:
			onText(string(data))
		default:
			c.DLogf("Dropping message of unexpected websocket type %d", msgType)
		}
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (c *ControlConn) HandleOnceShutdown(completionErr error) error {
	err := c.wsConn.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Close shuts down the control channel and waits for shutdown to complete,
// closing the underlying websocket
func (c *ControlConn) Close() error {
	return c.Helper.Close()
}
