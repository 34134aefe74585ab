// Command wsrelayd is the public-facing relay server: it terminates tunnel
// control connections from wsrelay clients and proxies public HTTP and
// websocket traffic to them. Configuration is taken from the environment:
// HOST and PORT (default 0.0.0.0:8080) select the bind address, and the
// relay settings are those read by wrshare.ServerConfigFromEnv.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	wrshare "github.com/sammck-go/wsrelay/share"
)

func main() {
	host := os.Getenv("HOST")
	if host == "" {
		host = "0.0.0.0"
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server, err := wrshare.NewServer(wrshare.ServerConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "wsrelayd: %s\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, host, port); err != nil {
		fmt.Fprintf(os.Stderr, "wsrelayd: %s\n", err)
		os.Exit(1)
	}
}
