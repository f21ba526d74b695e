// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command litegw serves a JSON-RPC 2.0 endpoint that forwards unary calls
// to a grpclite backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/luxfi/grpclite"
	"github.com/luxfi/grpclite/gateway"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "litegw:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen    = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")
		backend   = flag.String("backend", "127.0.0.1:9000", "grpclite backend address")
		transport = flag.String("transport", grpclite.DefaultTransport, "transport: "+strings.Join(grpclite.AvailableTransports(), ", "))
		verbosity = flag.Int("v", 0, "log verbosity")
	)
	flag.Parse()

	if !grpclite.HasTransport(*transport) {
		return fmt.Errorf("%w: %s", grpclite.ErrUnknownTransport, *transport)
	}
	log := grpclite.StdLogger(*verbosity)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := grpclite.Dial(dialCtx, *backend,
		grpclite.WithLogger(log),
		grpclite.WithTransport(*transport),
	)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	handler, err := gateway.NewHandler(conn, log.WithName("gateway"))
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/rpc", handler)
	srv := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("gateway listening", "listen", *listen, "backend", *backend, "transport", *transport)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-conn.Done():
		_ = srv.Close()
		if err := conn.Err(); err != nil {
			return fmt.Errorf("backend connection lost: %w", err)
		}
		return errors.New("backend closed the connection")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
