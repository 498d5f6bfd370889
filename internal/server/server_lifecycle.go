package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"
)

// shutdownTimeout bounds graceful HTTP shutdown in Stop.
const shutdownTimeout = 5 * time.Second

// StartAsync starts the server in a goroutine and returns any startup errors.
//
// The returned channel receives nil if startup succeeded, or an error if
// the listener could not be created (e.g., port already in use).
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	// Listen first so a port conflict is reported before we return.
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
		close(errCh)
		return errCh
	}

	httpServer := &http.Server{
		Handler:           s.createMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.listenAddr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		log.Printf("server: control panel listening on %s", ln.Addr())
		errCh <- nil
		close(errCh)

		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server: http error: %v", err)
		}
	}()

	return errCh
}

// Stop closes feed clients, stops forwarding task events and shuts the
// HTTP server down. It does not stop the task runner.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true

	for client := range s.clients {
		client.closeSend()
	}
	s.clients = make(map[*Client]bool)
	httpServer := s.httpServer
	s.mu.Unlock()

	s.unsubscribe()

	if httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return httpServer.Close()
	}
	return nil
}
