package wrshare

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"
)

// hopHeaders are connection-scoped request headers that must not be replayed
// against the local origin. accept-encoding is also dropped so the local
// transport negotiates (and transparently decodes) its own compression:
// bodies always cross the tunnel decoded.
var hopHeaders = []string{
	"Connection",
	"Upgrade",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Te",
	"Trailer",
	"Accept-Encoding",
	"Content-Length",
	"Host",
}

// Executor is the client-side end of the tunnel protocol: it receives
// request frames, replays them against the configured local origin, and
// streams each response back as frames. One Executor serves every control
// connection a Client opens over its lifetime.
type Executor struct {
	logger.Logger
	localURL   *url.URL
	httpClient *http.Client

	// bridgeURL composes the websocket URL of the server's WS-bridge
	// endpoint for a RequestID
	bridgeURL func(requestID string) string

	stats ConnStats

	lock    sync.Mutex
	ctx     context.Context
	bodies  map[string]*BodyWriter
	cancels map[string]context.CancelFunc
}

// NewExecutor creates an Executor dispatching to the given local origin
func NewExecutor(log logger.Logger, localURL *url.URL, bridgeURL func(requestID string) string) *Executor {
	return &Executor{
		Logger:   log.ForkLogStr("executor"),
		localURL: localURL,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		bridgeURL: bridgeURL,
		ctx:       context.Background(),
		bodies:    make(map[string]*BodyWriter),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Bind attaches the executor to a fresh control connection. In-flight local
// requests from the previous connection have already been discarded by
// Reset.
func (e *Executor) Bind(ctx context.Context) {
	e.lock.Lock()
	e.ctx = ctx
	e.lock.Unlock()
}

// Reset discards all per-connection state after a control channel dies:
// pending request-body writers are closed and in-flight local requests are
// cancelled
func (e *Executor) Reset() {
	e.lock.Lock()
	bodies := e.bodies
	cancels := e.cancels
	e.bodies = make(map[string]*BodyWriter)
	e.cancels = make(map[string]context.CancelFunc)
	e.lock.Unlock()
	for _, w := range bodies {
		w.Close()
	}
	for _, cancel := range cancels {
		cancel()
	}
}

// HandleFrame applies one frame received on the control channel. Called on
// the connection's read goroutine; request execution itself runs on its own
// goroutine per request so the channel never blocks behind a slow origin.
func (e *Executor) HandleFrame(conn *ControlConn, f *Frame) {
	switch f.Type {
	case FrameTypeHeader:
		e.beginRequest(conn, f)
	case FrameTypeRequest:
		go e.execute(conn, f, bytes.NewReader(f.Body), int64(len(f.Body)))
	case FrameTypeBody:
		e.applyRequestBody(f)
	case FrameTypeAbort:
		e.abortRequest(f.RequestID)
	default:
		e.DLogf("Dropping frame of unknown type \"%s\" for request %s", f.Type, f.RequestID)
	}
}

// beginRequest starts executing a request header frame. When a body will
// follow, its writer is registered before execution starts so body frames
// arriving immediately behind the header always find it.
func (e *Executor) beginRequest(conn *ControlConn, f *Frame) {
	if isWebSocketUpgrade(f) {
		go e.serveWebSocket(conn, f)
		return
	}
	var body io.Reader
	length := int64(0)
	if !f.EOF {
		w := NewBodyWriter()
		e.lock.Lock()
		e.bodies[f.RequestID] = w
		e.lock.Unlock()
		body = w.Reader()
		length = -1
		if cl := headerValue(f.Headers, "content-length"); cl != "" {
			if parsed, err := strconv.ParseInt(cl, 10, 64); err == nil {
				length = parsed
			}
		}
	}
	go e.execute(conn, f, body, length)
}

func (e *Executor) applyRequestBody(f *Frame) {
	e.lock.Lock()
	w := e.bodies[f.RequestID]
	if w != nil && f.EOF {
		delete(e.bodies, f.RequestID)
	}
	e.lock.Unlock()
	if w == nil {
		e.DLogf("Dropping request body for unknown request %s", f.RequestID)
		return
	}
	w.Append(f.Data)
	if f.EOF {
		w.Close()
	}
}

// abortRequest cancels the in-flight local request for an abandoned
// RequestID and discards its pending body writer
func (e *Executor) abortRequest(id string) {
	e.lock.Lock()
	w := e.bodies[id]
	cancel := e.cancels[id]
	delete(e.bodies, id)
	e.lock.Unlock()
	if w != nil {
		w.Close()
	}
	if cancel != nil {
		e.DLogf("Aborting local request %s", id)
		cancel()
	}
}

// execute replays one request against the local origin and streams the
// response back as frames
func (e *Executor) execute(conn *ControlConn, f *Frame, body io.Reader, length int64) {
	serial := e.stats.Open()
	defer e.stats.Close()
	log := e.Logger.ForkLogStr("req" + strconv.Itoa(int(serial)))

	ctx, cancel := context.WithCancel(e.sessionContext())
	e.lock.Lock()
	e.cancels[f.RequestID] = cancel
	e.lock.Unlock()
	defer func() {
		e.lock.Lock()
		delete(e.cancels, f.RequestID)
		e.lock.Unlock()
		cancel()
	}()

	req, err := http.NewRequestWithContext(ctx, f.Method, e.joinLocalURL(f.Path), body)
	if err != nil {
		log.DLogf("Cannot build local request for %s: %s", f.Path, err)
		e.sendErrorResponse(conn, f.RequestID)
		return
	}
	req.ContentLength = length
	e.applyRequestHeaders(req, f.Headers)

	log.DLogf("%s %s -> %s", f.Method, f.Path, req.URL)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		log.DLogf("Local origin request failed: %s", err)
		e.sendErrorResponse(conn, f.RequestID)
		return
	}
	defer resp.Body.Close()

	bodyless := f.Method == http.MethodHead ||
		resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusNotModified ||
		resp.ContentLength == 0
	if err := conn.SendFrame(&Frame{
		Type:       FrameTypeHeader,
		RequestID:  f.RequestID,
		Status:     resp.StatusCode,
		StatusText: statusTextOf(resp),
		Headers:    responseHeaderPairs(resp.Header),
		EOF:        bodyless,
	}); err != nil {
		log.DLogf("Response header send failed: %s", err)
		return
	}
	if bodyless {
		return
	}

	buf := make([]byte, bodyChunkSize)
	var total int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			data := make([]byte, n)
			copy(data, buf[:n])
			if serr := conn.SendFrame(&Frame{Type: FrameTypeBody, RequestID: f.RequestID, Data: data}); serr != nil {
				log.DLogf("Response body send failed after %s: %s", sizestr.ToString(total), serr)
				return
			}
		}
		if rerr != nil {
			// any reader error, io.EOF included, ends the stream with a
			// terminal frame; truncation surfaces to the caller as short eof
			conn.SendFrame(&Frame{Type: FrameTypeBody, RequestID: f.RequestID, EOF: true})
			log.DLogf("Response %d delivered (%s)", resp.StatusCode, sizestr.ToString(total))
			return
		}
	}
}

// sendErrorResponse reports an unreachable or failing local origin
func (e *Executor) sendErrorResponse(conn *ControlConn, id string) {
	conn.SendFrame(&Frame{
		Type:       FrameTypeHeader,
		RequestID:  id,
		Status:     http.StatusBadGateway,
		StatusText: "Bad Gateway",
		EOF:        true,
	})
}

func (e *Executor) sessionContext() context.Context {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.ctx
}

// joinLocalURL composes the outbound URL for a forwarded path+query against
// the local origin base
func (e *Executor) joinLocalURL(path string) string {
	return strings.TrimSuffix(e.localURL.String(), "/") + path
}

// applyRequestHeaders copies forwarded headers onto the local request,
// dropping connection-scoped ones and fixing the authority: when
// x-forwarded-host is present the host header is overwritten with the local
// origin's host (otherwise the local server would see the wrong authority);
// when absent, the forwarded host header is reused verbatim
func (e *Executor) applyRequestHeaders(req *http.Request, pairs [][2]string) {
	h := PairsToHeader(pairs)
	forwardedHost := h.Get("Host")
	hasXFH := h.Get("X-Forwarded-Host") != ""
	for _, name := range hopHeaders {
		h.Del(name)
	}
	req.Header = h
	if hasXFH {
		req.Host = e.localURL.Host
	} else if forwardedHost != "" {
		req.Host = forwardedHost
	}
}

// responseHeaderPairs flattens local response headers for the wire, omitting
// content-encoding: the body is re-transmitted decoded, because the tunnel
// re-applies its own framing
func responseHeaderPairs(h http.Header) [][2]string {
	out := h.Clone()
	out.Del("Content-Encoding")
	return HeaderPairs(out)
}

// statusTextOf extracts the reason phrase from a response status line
func statusTextOf(resp *http.Response) string {
	return strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")
}

// isWebSocketUpgrade reports whether a request header frame asks for a
// websocket session
func isWebSocketUpgrade(f *Frame) bool {
	return f.Method == http.MethodGet &&
		strings.EqualFold(headerValue(f.Headers, "upgrade"), "websocket")
}

// wsHandshakeHeaders are handshake headers gorilla's Dialer manages itself
// and refuses to receive from the caller
var wsHandshakeHeaders = []string{
	"Connection",
	"Upgrade",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
	"Host",
}

// serveWebSocket tunnels one websocket session: dial the local origin with
// the requested subprotocols, dial the server's WS-bridge endpoint back, and
// pipe the two until either side closes. Websocket sessions bypass the
// response-frame path entirely.
func (e *Executor) serveWebSocket(conn *ControlConn, f *Frame) {
	h := PairsToHeader(f.Headers)
	var subprotocols []string
	for _, p := range strings.Split(h.Get("Sec-Websocket-Protocol"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			subprotocols = append(subprotocols, p)
		}
	}

	target, err := url.Parse(e.joinLocalURL(f.Path))
	if err != nil {
		e.sendErrorResponse(conn, f.RequestID)
		return
	}
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}

	reqHeader := h.Clone()
	for _, name := range hopHeaders {
		reqHeader.Del(name)
	}
	for _, name := range wsHandshakeHeaders {
		reqHeader.Del(name)
	}

	d := websocket.Dialer{
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     subprotocols,
	}
	local, resp, err := d.Dial(target.String(), reqHeader)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		e.DLogf("Local websocket dial to %s failed (status %d): %s", target, status, err)
		e.sendErrorResponse(conn, f.RequestID)
		return
	}

	bridge, _, err := d.Dial(e.bridgeURL(f.RequestID), nil)
	if err != nil {
		e.DLogf("WS bridge dial failed for request %s: %s", f.RequestID, err)
		local.Close()
		return
	}
	e.DLogf("Websocket tunnel established for request %s", f.RequestID)
	PipeWebSockets(e.Logger, local, bridge)
}
