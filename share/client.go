package wrshare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// pongTimeout is how long the client waits for the server's pong before
// declaring the control channel dead
const pongTimeout = 5 * time.Second

// Client is the private end of the relay: it keeps one outbound control
// connection to the server open, executes forwarded requests against the
// local origin, and reconnects whenever the channel dies
type Client struct {
	*asyncobj.Helper
	config   *ClientConfig
	executor *Executor

	// connectURL is the ws(s) URL of the server's connect endpoint,
	// credentials included
	connectURL string

	// pingURL is the http(s) URL of the server's ping endpoint for this
	// ClientId
	pingURL string

	probeClient *http.Client

	// stopC is closed when shutdown starts, waking the connection loop
	stopC chan struct{}

	// conn is the current control connection, nil between sessions
	conn *ControlConn
}

// NewClient creates a new relay client from its configuration
func NewClient(config *ClientConfig) (*Client, error) {
	logLevel := logger.LogLevelInfo
	if config.Debug {
		logLevel = logger.LogLevelDebug
	}
	log, err := logger.New(
		logger.WithPrefix("client"),
		logger.WithLogLevel(logLevel),
	)
	if err != nil {
		return nil, err
	}

	config.PingInterval = ClampPingInterval(config.PingInterval)

	remote, err := parseRemoteURL(config.RemoteURL)
	if err != nil {
		return nil, fmt.Errorf("%s: Bad REMOTE_URL: %s", log.Prefix(), err)
	}
	local, err := url.Parse(config.LocalURL)
	if err != nil || local.Host == "" {
		return nil, fmt.Errorf("%s: Bad LOCAL_URL \"%s\"", log.Prefix(), config.LocalURL)
	}

	c := &Client{
		config:      config,
		connectURL:  endpointURL(remote, true, ConnectPath, config, ""),
		pingURL:     endpointURL(remote, false, PingPath, config, ""),
		probeClient: &http.Client{Timeout: pongTimeout},
		stopC:       make(chan struct{}),
	}
	c.executor = NewExecutor(log, local, func(requestID string) string {
		return endpointURL(remote, true, WSBridgePath, config, requestID)
	})
	c.Helper = asyncobj.NewHelper(log, c)
	c.SetIsActivated()
	return c, nil
}

// parseRemoteURL normalizes REMOTE_URL: scheme defaults to http, a default
// port is applied, and ws(s) schemes are accepted as aliases of http(s)
func parseRemoteURL(s string) (*url.URL, error) {
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme \"%s\"", u.Scheme)
	}
	if !regexp.MustCompile(`:\d+$`).MatchString(u.Host) {
		if u.Scheme == "https" {
			u.Host += ":443"
		} else {
			u.Host += ":80"
		}
	}
	return u, nil
}

// endpointURL builds one of the server's reserved endpoint URLs for this
// client, optionally in websocket scheme and with a requestId
func endpointURL(remote *url.URL, ws bool, path string, config *ClientConfig, requestID string) string {
	u := *remote
	if ws {
		u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	q := url.Values{}
	q.Set("clientId", config.ClientID)
	if config.ConnToken != "" {
		q.Set("token", config.ConnToken)
	}
	if requestID != "" {
		q.Set("requestId", requestID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Run connects and serves until the context is cancelled, the client is shut
// down, or the server rejects our token
func (c *Client) Run(ctx context.Context) error {
	c.ShutdownOnContext(ctx)
	go c.connectionLoop()
	return c.WaitShutdown()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	close(c.stopC)
	c.Lock.Lock()
	conn := c.conn
	c.Lock.Unlock()
	if conn != nil {
		conn.StartShutdown(completionErr)
	}
	return completionErr
}

func (c *Client) stopping() bool {
	select {
	case <-c.stopC:
		return true
	default:
		return false
	}
}

// connectionLoop dials the server and serves one session per connection. A
// session that reached open is followed by an immediate reconnect; a dial
// failure is retried after a fixed delay; a 401 during the handshake stops
// the client for good, since the token will not get better on its own.
func (c *Client) connectionLoop() {
	b := &backoff.Backoff{Min: 5 * time.Second, Max: 5 * time.Second, Factor: 1}
	for !c.stopping() {
		d := websocket.Dialer{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 45 * time.Second,
		}
		c.ILogf("Connecting to %s", c.config.RemoteURL)
		wsConn, resp, err := d.Dial(c.connectURL, nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				c.ELogf("Tunnel authentication rejected; not reconnecting")
				c.StartShutdown(c.Errorf("Tunnel token rejected by server"))
				return
			}
			delay := b.Duration()
			c.ILogf("Connection error: %s; retrying in %s...", err, delay)
			select {
			case <-c.stopC:
				return
			case <-time.After(delay):
			}
			continue
		}
		b.Reset()
		c.ILogf("Connected")
		c.runSession(wsConn)
		if !c.stopping() {
			c.ILogf("Disconnected; reconnecting")
		}
	}
}

// runSession serves one control connection until it dies: the executor
// handles frames, pong replies feed the liveness check, and the ping loop
// closes the channel when the server goes quiet or forgets us
func (c *Client) runSession(wsConn *websocket.Conn) {
	conn := NewControlConn(c.Logger, wsConn, "server")
	c.Lock.Lock()
	c.conn = conn
	c.Lock.Unlock()

	sessCtx, cancelSess := context.WithCancel(context.Background())
	defer cancelSess()
	c.executor.Bind(sessCtx)

	pongC := make(chan struct{}, 1)
	pingDone := make(chan struct{})
	go c.pingLoop(conn, pongC, pingDone)

	conn.ReadLoop(
		func(f *Frame) {
			c.executor.HandleFrame(conn, f)
		},
		func(msg string) {
			if msg == PongMessage {
				select {
				case pongC <- struct{}{}:
				default:
				}
			}
			// unknown text messages are ignored
		},
	)

	close(pingDone)
	conn.Close()
	c.Lock.Lock()
	c.conn = nil
	c.Lock.Unlock()
	c.executor.Reset()
}

// pingLoop is the client-initiated liveness check: once per second it looks
// at channel idle time, and after PingInterval of silence sends a text ping,
// racing the pong against pongTimeout. A confirmed pong is followed by an
// out-of-band HTTP probe of the server's ping endpoint, catching the case
// where a redeployed server still answers pings but has forgotten this
// client's slot.
func (c *Client) pingLoop(conn *ControlConn, pongC <-chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		if time.Since(conn.LastActivity()) < c.config.PingInterval {
			continue
		}
		// drop a stale pong left over from a previous round
		select {
		case <-pongC:
		default:
		}
		c.DLogf("Channel idle; pinging")
		if err := conn.SendText(PingMessage); err != nil {
			conn.StartShutdown(err)
			return
		}
		select {
		case <-done:
			return
		case <-pongC:
			if c.serverForgotUs() {
				c.WLogf("Server no longer knows client \"%s\"; forcing reconnect", c.config.ClientID)
				conn.StartShutdown(c.Errorf("Server lost our tunnel slot"))
				return
			}
			c.DLogf("Pong received")
		case <-time.After(pongTimeout):
			c.WLogf("No pong within %s; closing tunnel", pongTimeout)
			conn.StartShutdown(c.Errorf("Ping timeout"))
			return
		}
	}
}

// serverForgotUs probes the server's ping endpoint. Only an explicit
// ok:false/404 answer forces a reconnect; any probe failure (endpoint
// missing, network blip) is treated as OK.
func (c *Client) serverForgotUs() bool {
	resp, err := c.probeClient.Get(c.pingURL)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	var status pingStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false
	}
	return !status.OK && status.Code == http.StatusNotFound
}
