package wrshare

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sammck-go/logger"
	"github.com/stretchr/testify/require"
)

func TestParseBool(t *testing.T) {
	for _, s := range []string{"true", "TRUE", "True", "on", "On", "1"} {
		require.True(t, ParseBool(s), "ParseBool(%q)", s)
	}
	for _, s := range []string{"", "false", "off", "0", "yes", "2"} {
		require.False(t, ParseBool(s), "ParseBool(%q)", s)
	}
}

func TestClampPingInterval(t *testing.T) {
	require.Equal(t, DefaultPingInterval, ClampPingInterval(0))
	require.Equal(t, MinPingInterval, ClampPingInterval(time.Second))
	require.Equal(t, MinPingInterval, ClampPingInterval(MinPingInterval))
	require.Equal(t, time.Minute, ClampPingInterval(time.Minute))
}

func TestClientConfigFromEnv(t *testing.T) {
	t.Setenv("CLIENT_ID", "c1")
	t.Setenv("REMOTE_URL", "https://relay.example.com")
	t.Setenv("LOCAL_URL", "http://localhost:3000")
	t.Setenv("CONN_TOKEN", "tok")
	t.Setenv("PING_INTERVAL", "2")

	cfg, err := ClientConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, "c1", cfg.ClientID)
	require.Equal(t, "tok", cfg.ConnToken)
	// sub-minimum intervals are clamped up
	require.Equal(t, MinPingInterval, cfg.PingInterval)

	t.Setenv("PING_INTERVAL", "60")
	cfg, err = ClientConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, 60*time.Second, cfg.PingInterval)

	t.Setenv("PING_INTERVAL", "")
	cfg, err = ClientConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, DefaultPingInterval, cfg.PingInterval)

	t.Setenv("CLIENT_ID", "")
	_, err = ClientConfigFromEnv()
	require.Error(t, err)
	require.Contains(t, err.Error(), "CLIENT_ID")
}

func TestFileTokenSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first-token\n"), 0600))

	ts, err := NewFileTokenSource(logger.NilLogger, path)
	require.NoError(t, err)
	defer ts.Close()
	require.Equal(t, "first-token", ts.Token())

	require.NoError(t, os.WriteFile(path, []byte("second-token\n"), 0600))
	require.Eventually(t, func() bool {
		return ts.Token() == "second-token"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStaticTokenSource(t *testing.T) {
	ts := NewStaticTokenSource("tok")
	require.Equal(t, "tok", ts.Token())
	require.NoError(t, ts.Close())
}
