package server

import (
	"log"
	"net/http"
)

// Handler returns the HTTP handler with every endpoint registered.
func (s *Server) Handler() http.Handler {
	return s.createMux()
}

// createMux creates the HTTP mux with all endpoints.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTasks)

	if s.config.Pairer != nil && s.config.Switcher != nil {
		mux.HandleFunc("/api/pair", s.handlePair)
	} else {
		log.Printf("server: pairing not configured, /api/pair disabled")
	}
	if s.config.Switcher != nil {
		mux.HandleFunc("/api/switch", s.handleSwitch)
		mux.HandleFunc("/api/test", s.handleTest)
	}
	mux.HandleFunc("/api/reset", s.handleReset)

	// Any other path gets the panel, so a bookmarked sub-path still works.
	mux.HandleFunc("/", s.handlePanel)

	return mux
}
