package wrshare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// Reserved server endpoint paths
const (
	// ConnectPath accepts a client's control-channel websocket
	ConnectPath = "/__connect__"

	// PingPath reports whether a client's tunnel slot is live
	PingPath = "/__ping__"

	// WSBridgePath accepts the client-initiated inbound leg of a tunnelled
	// websocket session
	WSBridgePath = "/__ws__"
)

// Server is the public-facing end of the relay: it accepts tunnel clients on
// /__connect__, public traffic everywhere else, and forwards the latter to
// the former over the control-channel frame protocol
type Server struct {
	*asyncobj.Helper
	config      *ServerConfig
	httpServer  *HTTPServer
	auth        *PublicAuth
	connToken   *TokenSource
	clients     *ClientRegistry
	reqs        *RequestRegistry
	assembler   *Assembler
	upgrader    websocket.Upgrader
	tunnelStats ConnStats
	reqStats    ConnStats

	handlerOnce sync.Once
	httpHandler http.Handler
}

// NewServer creates a new relay server from its configuration
func NewServer(config *ServerConfig) (*Server, error) {
	logLevel := logger.LogLevelInfo
	if config.Debug {
		logLevel = logger.LogLevelDebug
	}
	log, err := logger.New(
		logger.WithPrefix("server"),
		logger.WithLogLevel(logLevel),
	)
	if err != nil {
		return nil, err
	}

	auth, err := NewPublicAuth(config.AuthToken, config.AuthRule)
	if err != nil {
		return nil, fmt.Errorf("%s: Bad AUTH_RULE: %s", log.Prefix(), err)
	}

	connToken := NewStaticTokenSource(config.ConnToken)
	if config.ConnTokenFile != "" {
		connToken, err = NewFileTokenSource(log, config.ConnTokenFile)
		if err != nil {
			return nil, fmt.Errorf("%s: Cannot use CONN_TOKEN_FILE: %s", log.Prefix(), err)
		}
	}

	if config.ProxyTimeout == 0 {
		config.ProxyTimeout = DefaultProxyTimeout
	}

	reqs := NewRequestRegistry()
	s := &Server{
		config:     config,
		httpServer: NewHTTPServer(log),
		auth:       auth,
		connToken:  connToken,
		reqs:       reqs,
		clients:    NewClientRegistry(log, reqs),
		assembler:  NewAssembler(log, reqs),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.Helper = asyncobj.NewHelper(log, s)
	s.SetIsActivated()

	if config.BufferRequest {
		s.ILogf("Request buffering enabled; duplex streaming disabled")
	}
	return s, nil
}

// Handler returns the server's root HTTP handler, for serving behind an
// external listener (or an httptest server)
func (s *Server) Handler() http.Handler {
	s.handlerOnce.Do(func() {
		h := http.Handler(http.HandlerFunc(s.handleRequest))
		if s.config.Debug {
			h = requestlog.Wrap(h)
		}
		s.httpHandler = h
	})
	return s.httpHandler
}

// Run serves on the given bind address until the context is cancelled or the
// server is shut down
func (s *Server) Run(ctx context.Context, host string, port string) error {
	s.ShutdownOnContext(ctx)
	s.ILogf("Listening on %s:%s...", host, port)
	s.httpServer.ListenAndServe(ctx, host+":"+port, s.Handler())
	return s.Close()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	err := s.httpServer.Close()
	s.connToken.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// handleRequest routes one inbound request: the three reserved tunnel
// endpoints, then the public proxy entry point for everything else
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case ConnectPath:
		s.handleConnect(w, r)
	case PingPath:
		s.handlePing(w, r)
	case WSBridgePath:
		s.handleWSBridge(w, r)
	default:
		s.serveProxy(w, r)
	}
}

// handleConnect opens a control channel: authenticates the optional tunnel
// bearer from the upgrade query, binds a ClientRecord, and serves frames
// until the channel dies
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if want := s.connToken.Token(); want != "" && !TokensEqual(q.Get("token"), want) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	clientID := q.Get("clientId")
	if clientID == "" {
		http.Error(w, "Missing clientId", http.StatusBadRequest)
		return
	}
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.DLogf("Tunnel upgrade failed for client \"%s\": %s", clientID, err)
		return
	}
	conn := NewControlConn(s.Logger, wsConn, fmt.Sprintf("client %s", clientID))
	rec := s.clients.Bind(clientID, conn)
	s.tunnelStats.Open()
	s.ILogf("%s Tunnel open for client \"%s\"", s.tunnelStats.String(), clientID)
	go s.serveTunnel(rec, conn)
}

// serveTunnel pumps one client's control channel until it closes, then
// drains the client's in-flight requests and tombstones its slot
func (s *Server) serveTunnel(rec *ClientRecord, conn *ControlConn) {
	conn.ReadLoop(
		func(f *Frame) {
			s.assembler.Apply(rec, f)
		},
		func(msg string) {
			if msg == PingMessage {
				conn.SendText(PongMessage)
			}
			// unknown text messages are ignored
		},
	)
	s.clients.Drop(rec)
	conn.Close()
	s.tunnelStats.Close()
	s.ILogf("%s Tunnel closed for client \"%s\"", s.tunnelStats.String(), rec.ID)
}

// pingStatus is the JSON body served by the ping endpoint
type pingStatus struct {
	OK      bool   `json:"ok"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handlePing tells a client whether the server still holds a live tunnel for
// it; a client that sees code 404 here knows the server has forgotten it
// (typically after a redeploy) and forces a reconnect
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	status := pingStatus{OK: true, Code: http.StatusOK, Message: "ok"}
	if s.clients.Get(clientID) == nil {
		status = pingStatus{OK: false, Code: http.StatusNotFound, Message: "no tunnel for client"}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&status)
}

// handleWSBridge accepts the client-initiated inbound leg of a websocket
// tunnel and resolves the waiting RequestTask with it
func (s *Server) handleWSBridge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if want := s.connToken.Token(); want != "" && !TokensEqual(q.Get("token"), want) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	clientID := q.Get("clientId")
	requestID := q.Get("requestId")
	task := s.reqs.GetTask(requestID)
	if task == nil || task.ClientID != clientID {
		http.Error(w, "No matching request", http.StatusNotFound)
		return
	}
	upstream, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.DLogf("WS bridge upgrade failed for request %s: %s", requestID, err)
		return
	}
	task.Resolve(TaskResult{Upstream: upstream})
}
