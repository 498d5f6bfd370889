package server

import (
	"context"
	"log"
	"net/http"

	"github.com/adbauto/agent/internal/storage"
	"github.com/adbauto/agent/internal/tasks"
)

// StatusResponse is returned by GET /api/status. Field names match what
// the panel script reads.
type StatusResponse struct {
	LastStatus    string `json:"lastStatus"`
	LastPort      int    `json:"lastPort"`
	IsPaired      bool   `json:"isPaired"`
	HasPermission bool   `json:"hasPermission"`

	// Adb5555Available reports a live TCP probe of the fixed port. The name
	// is kept for the panel even when the fixed port is not 5555.
	Adb5555Available bool `json:"adb5555Available"`

	FixedPort int         `json:"fixedPort"`
	Running   *tasks.Info `json:"running,omitempty"`
}

// status assembles the response from the preference record and a probe.
func (s *Server) status(ctx context.Context) (StatusResponse, error) {
	prefs := storage.Prefs{LastStatus: storage.DefaultLastStatus, LastPort: -1}
	if s.config.Store != nil {
		p, err := s.config.Store.Prefs()
		if err != nil {
			return StatusResponse{}, err
		}
		prefs = p
	}

	resp := StatusResponse{
		LastStatus:    prefs.LastStatus,
		LastPort:      prefs.LastPort,
		IsPaired:      prefs.IsPaired,
		HasPermission: prefs.HasPermission,
	}
	if s.config.Switcher != nil {
		resp.FixedPort = s.config.Switcher.FixedPort()
		resp.Adb5555Available = s.config.Switcher.FixedPortAvailable(ctx)
	}
	if info, ok := s.config.Tasks.Running(); ok {
		resp.Running = &info
	}
	return resp, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	resp, err := s.status(r.Context())
	if err != nil {
		log.Printf("server: status: %v", err)
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
