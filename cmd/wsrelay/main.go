// Command wsrelay is the tunnel client: it holds an outbound control
// connection to a wsrelayd server and dispatches forwarded requests to a
// private local origin. CLIENT_ID, REMOTE_URL, and LOCAL_URL are required;
// CONN_TOKEN and PING_INTERVAL are optional.
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
	config, err := wrshare.ClientConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wsrelay: %s\n", err)
		os.Exit(1)
	}

	client, err := wrshare.NewClient(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wsrelay: %s\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "wsrelay: %s\n", err)
		os.Exit(1)
	}
}
