package wrshare

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/logger"
)

// DefaultPingInterval is the control-channel idle interval after which the
// client sends a liveness ping
const DefaultPingInterval = 30 * time.Second

// MinPingInterval is the floor for configured ping intervals; smaller values
// are clamped up to it
const MinPingInterval = 5 * time.Second

// DefaultProxyTimeout is how long the dispatcher waits for a response frame
// before answering 504
const DefaultProxyTimeout = 30 * time.Second

// ServerConfig is the configuration for the wsrelay server
type ServerConfig struct {
	// ConnToken is the shared bearer that tunnel clients must present when
	// opening a control connection. Empty disables tunnel auth.
	ConnToken string

	// ConnTokenFile optionally names a file holding the tunnel bearer. When
	// set it overrides ConnToken, and the file is watched so the token can be
	// rotated without restarting or dropping connected clients.
	ConnTokenFile string

	// AuthToken is the bearer required of public traffic. Empty disables
	// public auth.
	AuthToken string

	// AuthRule is a regex (optionally "/pattern/i") of public paths that
	// bypass AuthToken
	AuthRule string

	// ForwardHost, when true, forwards the public request's host header
	// verbatim for the client to reuse; when false the original public host
	// travels in x-forwarded-host instead
	ForwardHost bool

	// BufferRequest, when true, buffers each request body in full and sends
	// it inline in a single frame instead of streaming it. Disables duplex
	// streaming; only useful on transports that cannot interleave outbound
	// messages cheaply.
	BufferRequest bool

	// ProxyTimeout bounds the wait for a response frame; zero means
	// DefaultProxyTimeout
	ProxyTimeout time.Duration

	// Debug raises the log level and enables per-request logging of public
	// traffic
	Debug bool
}

// ServerConfigFromEnv loads the server configuration from the environment:
// CONN_TOKEN, CONN_TOKEN_FILE, AUTH_TOKEN, AUTH_RULE, FORWARD_HOST,
// BUFFER_REQUEST, DEBUG
func ServerConfigFromEnv() *ServerConfig {
	return &ServerConfig{
		ConnToken:     os.Getenv("CONN_TOKEN"),
		ConnTokenFile: os.Getenv("CONN_TOKEN_FILE"),
		AuthToken:     os.Getenv("AUTH_TOKEN"),
		AuthRule:      os.Getenv("AUTH_RULE"),
		ForwardHost:   ParseBool(os.Getenv("FORWARD_HOST")),
		BufferRequest: ParseBool(os.Getenv("BUFFER_REQUEST")),
		Debug:         ParseBool(os.Getenv("DEBUG")),
	}
}

// ClientConfig is the configuration for a wsrelay client
type ClientConfig struct {
	// ClientID is this tunnel endpoint's identity, stable across reconnects
	ClientID string

	// RemoteURL is the public server's base URL (http(s) or ws(s) scheme)
	RemoteURL string

	// LocalURL is the base URL of the private origin that requests are
	// dispatched to
	LocalURL string

	// ConnToken is the tunnel bearer presented on connect, if the server
	// requires one
	ConnToken string

	// PingInterval is the idle interval before a liveness ping; values below
	// MinPingInterval are clamped, zero means DefaultPingInterval
	PingInterval time.Duration

	// Debug raises the log level
	Debug bool
}

// ClientConfigFromEnv loads the client configuration from the environment:
// CLIENT_ID, REMOTE_URL, LOCAL_URL (all required), CONN_TOKEN, PING_INTERVAL
// (seconds), DEBUG. Returns an error naming the first missing required
// variable.
func ClientConfigFromEnv() (*ClientConfig, error) {
	cfg := &ClientConfig{
		ClientID:  os.Getenv("CLIENT_ID"),
		RemoteURL: os.Getenv("REMOTE_URL"),
		LocalURL:  os.Getenv("LOCAL_URL"),
		ConnToken: os.Getenv("CONN_TOKEN"),
		Debug:     ParseBool(os.Getenv("DEBUG")),
	}
	for _, req := range []struct{ name, value string }{
		{"CLIENT_ID", cfg.ClientID},
		{"REMOTE_URL", cfg.RemoteURL},
		{"LOCAL_URL", cfg.LocalURL},
	} {
		if req.value == "" {
			return nil, configError("required environment variable " + req.name + " is not set")
		}
	}
	if s := os.Getenv("PING_INTERVAL"); s != "" {
		secs, err := strconv.Atoi(s)
		if err != nil {
			return nil, configError("PING_INTERVAL is not an integer number of seconds: " + s)
		}
		cfg.PingInterval = time.Duration(secs) * time.Second
	}
	cfg.PingInterval = ClampPingInterval(cfg.PingInterval)
	return cfg, nil
}

type configError string

func (e configError) Error() string {
	return string(e)
}

// ParseBool parses a boolean environment value: a case-insensitive match of
// "true", "on", or "1" is true, anything else is false
func ParseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "on", "1":
		return true
	}
	return false
}

// ClampPingInterval applies the ping-interval default and floor
func ClampPingInterval(d time.Duration) time.Duration {
	if d == 0 {
		return DefaultPingInterval
	}
	if d < MinPingInterval {
		return MinPingInterval
	}
	return d
}

// TokenSource yields the current tunnel bearer token. The static form wraps
// a fixed string; the file form rereads its backing file whenever it
// changes, so operators can rotate the bearer in place.
type TokenSource struct {
	logger.Logger
	lock    sync.RWMutex
	token   string
	watcher *fsnotify.Watcher
}

// NewStaticTokenSource wraps a fixed token
func NewStaticTokenSource(token string) *TokenSource {
	return &TokenSource{
		Logger: logger.NilLogger,
		token:  token,
	}
}

// NewFileTokenSource reads the token from path (surrounding whitespace
// trimmed) and watches the file for rewrites. Close releases the watch.
func NewFileTokenSource(log logger.Logger, path string) (*TokenSource, error) {
	ts := &TokenSource{
		Logger: log.ForkLogStr("tokenfile"),
	}
	if err := ts.load(path); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	ts.watcher = watcher
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := ts.load(path); err != nil {
						ts.WLogf("Token file reload failed: %s", err)
					} else {
						ts.ILogf("Tunnel token reloaded from \"%s\"", path)
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return ts, nil
}

func (ts *TokenSource) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ts.lock.Lock()
	ts.token = strings.TrimSpace(string(data))
	ts.lock.Unlock()
	return nil
}

// Token returns the current token
func (ts *TokenSource) Token() string {
	ts.lock.RLock()
	defer ts.lock.RUnlock()
	return ts.token
}

// Close stops watching the backing file, if any
func (ts *TokenSource) Close() error {
	if ts.watcher != nil {
		return ts.watcher.Close()
	}
	return nil
}
