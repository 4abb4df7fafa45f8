package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs an in-process NATS server, used in tests and
// single-binary deployments.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	shutdownOnce sync.Once
}

// StartEmbeddedServer starts an in-process NATS server on a random port.
func StartEmbeddedServer() (*EmbeddedServer, error) {
	opts := &server.Options{
		Host: "127.0.0.1",
		Port: -1,
	}
	s, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded NATS server not ready")
	}
	return &EmbeddedServer{server: s, url: s.ClientURL()}, nil
}

// URL returns the client connection URL.
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
		}
	})
}
