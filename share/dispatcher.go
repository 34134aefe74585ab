package wrshare

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"
	"github.com/tomasen/realip"
)

// bodyChunkSize is the read granularity for body pumps in both directions
const bodyChunkSize = 32 * 1024

// serveProxy forwards one public request through the tunnel: admission,
// client selection, header assembly, request-id allocation, body
// transmission concurrent with the response wait, and cleanup
func (s *Server) serveProxy(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Allow(r) {
		writeStatus(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}
	ip := realip.FromRequest(r)
	rec := s.clients.Pick(ip)
	if rec == nil {
		writeStatus(w, r, http.StatusServiceUnavailable, "No proxy client")
		return
	}

	serial := s.reqStats.Open()
	defer s.reqStats.Close()

	task := s.reqs.NewTask(rec.ID)
	rec.AddPending(task.ID)
	log := s.Logger.ForkLogStr(fmt.Sprintf("req%d(%s)", serial, task.ID))
	log.DLogf("%s %s from %s -> client \"%s\"", r.Method, r.URL.RequestURI(), ip, rec.ID)

	defer func() {
		s.reqs.RemoveTask(task.ID)
		rec.RemovePending(task.ID)
		// reap a result that raced our exit so its resources do not leak
		select {
		case late := <-task.Done():
			if late.Upstream != nil {
				late.Upstream.Close()
			}
			if late.Response != nil && late.Response.Body != nil {
				late.Response.Body.Close()
			}
		default:
		}
	}()

	s.transmitRequest(log, rec.Conn, task.ID, r, ip)

	timer := time.NewTimer(s.config.ProxyTimeout)
	defer timer.Stop()
	select {
	case res := <-task.Done():
		if res.Upstream != nil {
			s.serveUpgradedWS(log, w, r, res.Upstream)
		} else {
			writeTunnelResponse(log, w, res.Response)
		}
	case <-timer.C:
		log.WLogf("No response from client \"%s\" within %s", rec.ID, s.config.ProxyTimeout)
		writeStatus(w, r, http.StatusGatewayTimeout, "Proxy client timeout")
	case <-r.Context().Done():
		log.DLogf("Public caller went away; aborting")
		rec.Conn.SendFrame(&Frame{Type: FrameTypeAbort, RequestID: task.ID})
	}
}

// transmitRequest sends the request to the client: either a header frame
// followed by a concurrent body pump, or (under BUFFER_REQUEST) a single
// buffered frame with the body inline. Send failures are only logged: a dead
// control channel drains itself through the disconnect handler, which
// resolves the task with a synthetic 500.
func (s *Server) transmitRequest(log logger.Logger, conn *ControlConn, id string, r *http.Request, ip string) {
	pairs := s.forwardHeaders(r, ip)
	path := r.URL.RequestURI()

	if s.config.BufferRequest {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.DLogf("Public request body read failed, forwarding truncated body: %s", err)
		}
		if err := conn.SendFrame(&Frame{
			Type:      FrameTypeRequest,
			RequestID: id,
			Method:    r.Method,
			Path:      path,
			Headers:   pairs,
			Body:      body,
		}); err != nil {
			log.DLogf("Buffered request send failed: %s", err)
		}
		return
	}

	hasBody := r.Body != nil && r.ContentLength != 0
	if err := conn.SendFrame(&Frame{
		Type:      FrameTypeHeader,
		RequestID: id,
		Method:    r.Method,
		Path:      path,
		Headers:   pairs,
		EOF:       !hasBody,
	}); err != nil {
		log.DLogf("Request header send failed: %s", err)
		return
	}
	if hasBody {
		go pumpRequestBody(log, conn, id, r.Body)
	}
}

// forwardHeaders assembles the header pair list sent to the client:
// x-forwarded-for and x-forwarded-proto are injected when absent, and the
// public host travels either verbatim in the host header (FORWARD_HOST) or
// in x-forwarded-host
func (s *Server) forwardHeaders(r *http.Request, ip string) [][2]string {
	h := r.Header.Clone()
	if h.Get("X-Forwarded-For") == "" {
		h.Set("X-Forwarded-For", ip)
	}
	if h.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}
		h.Set("X-Forwarded-Proto", proto)
	}
	if !s.config.ForwardHost && h.Get("X-Forwarded-Host") == "" {
		h.Set("X-Forwarded-Host", r.Host)
	}
	// the Go http server strips Host from the header map; put it back so the
	// client can reuse it verbatim under FORWARD_HOST
	pairs := HeaderPairs(h)
	return append(pairs, [2]string{"host", r.Host})
}

// pumpRequestBody streams the public request body as body frames, ending
// with a terminal eof frame. Runs concurrently with the response wait; a
// read error ends the stream with a premature eof rather than failing the
// request.
func pumpRequestBody(log logger.Logger, conn *ControlConn, id string, body io.Reader) {
	buf := make([]byte, bodyChunkSize)
	var total int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			total += int64(n)
			data := make([]byte, n)
			copy(data, buf[:n])
			if serr := conn.SendFrame(&Frame{Type: FrameTypeBody, RequestID: id, Data: data}); serr != nil {
				log.DLogf("Request body send failed after %s: %s", sizestr.ToString(total), serr)
				return
			}
		}
		if err != nil {
			conn.SendFrame(&Frame{Type: FrameTypeBody, RequestID: id, EOF: true})
			log.DLogf("Request body forwarded (%s)", sizestr.ToString(total))
			return
		}
	}
}

// writeTunnelResponse streams an assembled tunnel response back to the
// public caller, flushing per chunk so chunk boundaries survive end to end
func writeTunnelResponse(log logger.Logger, w http.ResponseWriter, resp *TunnelResponse) {
	h := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	w.WriteHeader(resp.Status)
	if resp.Body == nil {
		return
	}
	defer resp.Body.Close()
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, bodyChunkSize)
	var total int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.DLogf("Public caller write failed after %s: %s", sizestr.ToString(total), werr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			total += int64(n)
		}
		if err != nil {
			log.DLogf("Response body delivered (%s)", sizestr.ToString(total))
			return
		}
	}
}

// serveUpgradedWS upgrades the original public connection and pipes it to
// the client-facing upstream leg of a websocket tunnel
func (s *Server) serveUpgradedWS(log logger.Logger, w http.ResponseWriter, r *http.Request, upstream *websocket.Conn) {
	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
		Subprotocols:    websocket.Subprotocols(r),
	}
	public, err := up.Upgrade(w, r, nil)
	if err != nil {
		log.DLogf("Public websocket upgrade failed: %s", err)
		upstream.Close()
		return
	}
	log.DLogf("Websocket tunnel established")
	PipeWebSockets(log, public, upstream)
}

// writeStatus answers a request locally with a plain-text status. The body
// is suppressed for HEAD and OPTIONS.
func writeStatus(w http.ResponseWriter, r *http.Request, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	if r.Method != http.MethodHead && r.Method != http.MethodOptions {
		io.WriteString(w, body)
	}
}
