package wrshare

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"
)

// PipeWebSockets shuttles messages between two websockets until either side
// closes or fails, then closes both. Message type and boundaries are
// preserved in both directions. Pipe errors are swallowed (logged at debug
// level only); a tunnelled WS session ending abnormally is indistinguishable
// from one ending normally, by the time it matters to either peer.
func PipeWebSockets(log logger.Logger, a *websocket.Conn, b *websocket.Conn) {
	log = log.ForkLogStr("wspipe")
	var wg sync.WaitGroup
	wg.Add(2)
	go pipeWebSocketDir(log, &wg, a, b)
	go pipeWebSocketDir(log, &wg, b, a)
	wg.Wait()
}

// pipeWebSocketDir forwards one direction; on any error it closes both
// sockets so the opposite forwarder unblocks too
func pipeWebSocketDir(log logger.Logger, wg *sync.WaitGroup, src *websocket.Conn, dst *websocket.Conn) {
	defer wg.Done()
	var nb int64
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			log.DLogf("Forwarder finished after %s: %s", sizestr.ToString(nb), err)
			break
		}
		nb += int64(len(data))
		if err := dst.WriteMessage(msgType, data); err != nil {
			log.DLogf("Forwarder write failed after %s: %s", sizestr.ToString(nb), err)
			break
		}
	}
	src.Close()
	dst.Close()
}
