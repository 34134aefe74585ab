package wrshare

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// startClient runs a relay client against a test front server and waits for
// its tunnel to come up
func startClient(t *testing.T, server *Server, front *httptest.Server, clientID string, localURL string) {
	t.Helper()
	client, err := NewClient(&ClientConfig{
		ClientID:  clientID,
		RemoteURL: front.URL,
		LocalURL:  localURL,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)
	require.Eventually(t, func() bool {
		return server.clients.Get(clientID) != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEndToEndProxy(t *testing.T) {
	var seen struct {
		sync.Mutex
		method string
		body   string
		xff    string
		proto  string
		host   string
	}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen.Lock()
		seen.method = r.Method
		seen.body = string(body)
		seen.xff = r.Header.Get("X-Forwarded-For")
		seen.proto = r.Header.Get("X-Forwarded-Proto")
		seen.host = r.Host
		seen.Unlock()
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "hi")
	}))
	defer origin.Close()

	server, err := NewServer(&ServerConfig{})
	require.NoError(t, err)
	front := httptest.NewServer(server.Handler())
	defer front.Close()
	startClient(t, server, front, "c1", origin.URL)

	// plain GET round trip
	resp, err := http.Get(front.URL + "/x")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hi", string(body))
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.Empty(t, resp.Header.Get("Content-Encoding"))

	seen.Lock()
	require.Equal(t, "127.0.0.1", seen.xff)
	require.Equal(t, "http", seen.proto)
	// x-forwarded-host travels by default, so the origin sees its own
	// authority
	require.Equal(t, strings.TrimPrefix(origin.URL, "http://"), seen.host)
	seen.Unlock()

	// streamed upload
	resp, err = http.Post(front.URL+"/u", "text/plain", strings.NewReader("ABCD"))
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	seen.Lock()
	require.Equal(t, http.MethodPost, seen.method)
	require.Equal(t, "ABCD", seen.body)
	seen.Unlock()

	// nothing in flight once both requests are done
	require.Eventually(t, func() bool {
		return server.reqs.TaskCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBufferedRequestMode(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer origin.Close()

	server, err := NewServer(&ServerConfig{BufferRequest: true})
	require.NoError(t, err)
	front := httptest.NewServer(server.Handler())
	defer front.Close()
	startClient(t, server, front, "c1", origin.URL)

	resp, err := http.Post(front.URL+"/echo", "text/plain", strings.NewReader("buffered body"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "buffered body", string(body))
}

func TestNoClientConnected(t *testing.T) {
	server, err := NewServer(&ServerConfig{})
	require.NoError(t, err)
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	resp, err := http.Get(front.URL + "/x")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "No proxy client", string(body))

	resp, err = http.Head(front.URL + "/x")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPublicAuthAdmission(t *testing.T) {
	server, err := NewServer(&ServerConfig{
		AuthToken: "s3cret",
		AuthRule:  `/^\/open/i`,
	})
	require.NoError(t, err)
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	// missing credential
	resp, err := http.Get(front.URL + "/x")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Unauthorized", string(body))

	// HEAD gets the status with an empty body
	resp, err = http.Head(front.URL + "/x")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// a good credential passes admission (and then finds no client)
	req, _ := http.NewRequest(http.MethodGet, front.URL+"/x", nil)
	req.Header.Set("x-auth-token", "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// the bypass rule wins over a missing credential, case-insensitively
	resp, err = http.Get(front.URL + "/Open/doc")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestProxyTimeout(t *testing.T) {
	server, err := NewServer(&ServerConfig{ProxyTimeout: 300 * time.Millisecond})
	require.NoError(t, err)
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	// a client that connects but never answers anything
	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + ConnectPath + "?clientId=mute"
	wsConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer wsConn.Close()
	go func() {
		for {
			if _, _, err := wsConn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	start := time.Now()
	resp, err := http.Get(front.URL + "/x")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	require.Equal(t, "Proxy client timeout", string(body))
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	// the timed-out task leaves no residue
	require.Equal(t, 0, server.reqs.TaskCount())
}

func TestTunnelAuth(t *testing.T) {
	server, err := NewServer(&ServerConfig{ConnToken: "tunnel-tok"})
	require.NoError(t, err)
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	wsBase := "ws" + strings.TrimPrefix(front.URL, "http") + ConnectPath

	_, resp, err := websocket.DefaultDialer.Dial(wsBase+"?clientId=c1&token=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wsConn, _, err := websocket.DefaultDialer.Dial(wsBase+"?clientId=c1&token=tunnel-tok", nil)
	require.NoError(t, err)
	wsConn.Close()
}

func TestClientStopsOnBadToken(t *testing.T) {
	server, err := NewServer(&ServerConfig{ConnToken: "tunnel-tok"})
	require.NoError(t, err)
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	client, err := NewClient(&ClientConfig{
		ClientID:  "c1",
		RemoteURL: front.URL,
		LocalURL:  "http://localhost:3000",
		ConnToken: "wrong",
	})
	require.NoError(t, err)

	errC := make(chan error, 1)
	go func() {
		errC <- client.Run(context.Background())
	}()
	select {
	case err := <-errC:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client kept reconnecting with a rejected token")
	}
}

func TestPingEndpoint(t *testing.T) {
	server, err := NewServer(&ServerConfig{})
	require.NoError(t, err)
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	getStatus := func(clientID string) pingStatus {
		resp, err := http.Get(front.URL + PingPath + "?clientId=" + clientID)
		require.NoError(t, err)
		defer resp.Body.Close()
		var status pingStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		return status
	}

	status := getStatus("ghost")
	require.False(t, status.OK)
	require.Equal(t, http.StatusNotFound, status.Code)

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + ConnectPath + "?clientId=c9"
	wsConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer wsConn.Close()

	require.Eventually(t, func() bool {
		return getStatus("c9").OK
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocketTunnel(t *testing.T) {
	upgr := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgr.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			msgType, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(msgType, msg); err != nil {
				return
			}
		}
	}))
	defer origin.Close()

	server, err := NewServer(&ServerConfig{})
	require.NoError(t, err)
	front := httptest.NewServer(server.Handler())
	defer front.Close()
	startClient(t, server, front, "c1", origin.URL)

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/chat"
	pub, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.WriteMessage(websocket.TextMessage, []byte("marco")))
	pub.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, msg, err := pub.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	require.Equal(t, "marco", string(msg))
}
