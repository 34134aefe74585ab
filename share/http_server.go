package wrshare

import (
	"context"
	"net"
	"net/http"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// HTTPServer extends net/http Server with graceful shutdown tied into the
// asyncobj lifecycle
type HTTPServer struct {
	*asyncobj.Helper
	*http.Server
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(log logger.Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{},
	}
	h.Helper = asyncobj.NewHelper(log.ForkLogStr("httpserver"), h)
	h.SetIsActivated()
	return h
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	var err error
	if h.listener != nil {
		err = h.listener.Close()
		if err != nil {
			h.DLogf("Close of listener failed, ignoring: %s", err)
		}
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// ListenAndServe runs the HTTP server on the given bind address, invoking
// the provided handler for each request. It returns after the server has
// shut down, either by cancelling the context or by calling Shutdown.
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	h.ShutdownOnContext(ctx)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		err = h.DLogErrorf("Listen failed: %s", err)
		h.StartShutdown(err)
		return h.WaitShutdown()
	}
	h.Handler = handler
	h.listener = l

	go func() {
		h.StartShutdown(h.Serve(l))
	}()

	return h.WaitShutdown()
}

// Close completely shuts down the server, then returns the final completion
// code
func (h *HTTPServer) Close() error {
	return h.Helper.Close()
}
