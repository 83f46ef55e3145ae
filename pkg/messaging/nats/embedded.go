package nats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs a NATS server with JetStream inside the process,
// for single-binary deployments and tests.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	shutdownOnce sync.Once
}

// StartEmbeddedServer starts an embedded NATS server with JetStream on a
// random port and waits until it accepts connections.
func StartEmbeddedServer(storeDir string) (*EmbeddedServer, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random port
		JetStream: true,
		StoreDir:  storeDir,
	}

	s, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded server not ready after 5s")
	}

	return &EmbeddedServer{server: s, url: s.ClientURL()}, nil
}

// URL returns the connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the server. Safe to call multiple times.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			slog.Warn("embedded NATS server shutdown timed out", slog.Duration("timeout", 5*time.Second))
		}
	})
}

// NewEmbeddedEventBus starts an embedded server and returns a bus
// connected to it. The caller shuts both down, bus first.
func NewEmbeddedEventBus(storeDir string) (*EventBus, *EmbeddedServer, error) {
	srv, err := StartEmbeddedServer(storeDir)
	if err != nil {
		return nil, nil, err
	}

	config := DefaultConfig()
	config.URL = srv.URL()

	bus, err := NewEventBus(config)
	if err != nil {
		srv.Shutdown()
		return nil, nil, err
	}
	return bus, srv, nil
}
