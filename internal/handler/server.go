package handler

import (
	"context"
	"net"
	"net/http"
	"time"
)

// NewServer returns an http.Server for h whose request contexts are
// cancelled when Shutdown starts, so open event streams and websockets
// return instead of holding Shutdown until its deadline.
func NewServer(addr string, h http.Handler) *http.Server {
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	srv.RegisterOnShutdown(cancel)
	return srv
}
