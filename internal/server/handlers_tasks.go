package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	agentErrors "github.com/adbauto/agent/internal/errors"
	"github.com/adbauto/agent/internal/pairing"
	"github.com/adbauto/agent/internal/storage"
	"github.com/adbauto/agent/internal/switcher"
	"github.com/adbauto/agent/internal/tasks"
)

// PairRequest is the JSON form of POST /api/pair. Form and query
// parameters with the same names are accepted too.
type PairRequest struct {
	Port json.Number `json:"port"`
	Code string      `json:"code"`
}

// PairResponse is returned on a successful pairing.
type PairResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`

	// GrantTaskID tracks the permission self-grant started after pairing.
	// Empty if the grant could not be queued.
	GrantTaskID string `json:"grant_task_id,omitempty"`
}

func parsePairRequest(r *http.Request) (port, code string, err error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req PairRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", "", err
		}
		return req.Port.String(), req.Code, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", "", err
	}
	return r.FormValue("port"), r.FormValue("code"), nil
}

// handlePair runs the pairing handshake and waits for it, since the
// caller needs the verdict. On success it queues the permission grant.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if !s.pairLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, agentErrors.CodeServerRateLimited, "Too many pairing attempts, please wait")
		return
	}

	portStr, code, err := parsePairRequest(r)
	if err != nil {
		log.Printf("server: failed to parse pair request: %v", err)
		writeError(w, http.StatusBadRequest, agentErrors.CodeServerInvalidRequest, "Invalid request body")
		return
	}
	if portStr == "" || code == "" {
		writeError(w, http.StatusBadRequest, agentErrors.CodePairingInvalidRequest, "Port and code required")
		return
	}
	req, err := pairing.ParseRequest(s.config.PairHost, portStr, code)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	log.Printf("server: pairing request for port %d", req.Port)

	var pairErr error
	h, err := s.config.Tasks.Submit(tasks.KindPair, func(ctx context.Context) tasks.Result {
		pairErr = s.config.Pairer.Attempt(ctx, req)
		if pairErr != nil {
			s.recordRun(tasks.KindPair, false, req.Port, agentErrors.GetMessage(pairErr))
			return tasks.Result{Port: req.Port, Message: pairErr.Error()}
		}
		if s.config.Store != nil {
			if err := s.config.Store.SetPaired(true); err != nil {
				log.Printf("server: record paired: %v", err)
			}
		}
		s.recordRun(tasks.KindPair, true, req.Port, "Pairing successful")
		return tasks.Result{Success: true, Port: req.Port, Message: "Pairing successful"}
	})
	if err != nil {
		writeCodedError(w, err)
		return
	}

	// The task keeps running if the client goes away; only the wait ends.
	if _, err := h.Wait(r.Context()); err != nil {
		log.Printf("server: pair request abandoned: %v", err)
		return
	}
	if pairErr != nil {
		writeCodedError(w, pairErr)
		return
	}

	resp := PairResponse{
		Success: true,
		Message: "Pairing successful! Attempting to self-grant permissions...",
	}
	grant, err := s.submitOutcome(tasks.KindGrant, s.config.Switcher.GrantPermission)
	if err != nil {
		log.Printf("server: could not queue permission grant: %v", err)
		resp.Message = "Pairing successful!"
	} else {
		resp.GrantTaskID = grant.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	h, err := s.submitOutcome(tasks.KindSwitch, s.config.Switcher.SwitchToFixedPort)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{
		Success: true,
		Message: "Port switch started. Check logs below for status.",
		TaskID:  h.ID,
	})
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	h, err := s.submitOutcome(tasks.KindSelfTest, s.config.Switcher.SelfTest)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{
		Success: true,
		Message: "Boot test started. Check logs below for progress.",
		TaskID:  h.ID,
	})
}

// submitOutcome runs an orchestrator operation as a task and records its
// outcome in the run history.
func (s *Server) submitOutcome(kind tasks.Kind, op func(context.Context) switcher.Outcome) (*tasks.Handle, error) {
	return s.config.Tasks.Submit(kind, func(ctx context.Context) tasks.Result {
		out := op(ctx)
		s.recordRun(kind, out.Success, out.Port, out.Status)
		return tasks.Result{Success: out.Success, Port: out.Port, Message: out.Status}
	})
}

// handleReset deletes the key material and clears the paired flag. It
// holds the task lock so no session is using the keys meanwhile.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	log.Printf("server: resetting pairing")

	var resetErr error
	h, err := s.config.Tasks.Submit(tasks.KindReset, func(ctx context.Context) tasks.Result {
		if s.config.Store != nil {
			if err := s.config.Store.ResetPairing(); err != nil {
				resetErr = err
				return tasks.Result{Port: -1, Message: err.Error()}
			}
		}
		if s.config.Identity != nil {
			if err := s.config.Identity.Reset(); err != nil {
				resetErr = err
				return tasks.Result{Port: -1, Message: err.Error()}
			}
		}
		s.recordRun(tasks.KindReset, true, -1, "Pairing reset")
		return tasks.Result{Success: true, Port: -1, Message: "Pairing reset"}
	})
	if err != nil {
		writeCodedError(w, err)
		return
	}
	if _, err := h.Wait(r.Context()); err != nil {
		return
	}
	if resetErr != nil {
		log.Printf("server: reset failed: %v", resetErr)
		writeCodedError(w, resetErr)
		return
	}

	log.Printf("server: pairing reset successful")
	writeJSON(w, http.StatusOK, AckResponse{
		Success: true,
		Message: "Pairing reset successful. Please pair again.",
	})
}

// handleTasks serves GET /api/tasks and GET /api/tasks/{id}.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tasks"), "/")
	if id == "" {
		writeJSON(w, http.StatusOK, s.config.Tasks.List())
		return
	}
	if strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, agentErrors.CodeTaskNotFound, "task "+id+" not found")
		return
	}

	info, err := s.config.Tasks.Get(id)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// LogsResponse is returned by GET /api/logs.
type LogsResponse struct {
	Logs string `json:"logs"`
}

const noLogsMessage = "No logs found"

// handleLogs returns recent log lines. ?lines=N limits the count.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	n := 0
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, agentErrors.CodeServerInvalidRequest, "lines must be a non-negative integer")
			return
		}
		n = parsed
	}

	var lines []string
	if s.config.Logs != nil {
		lines = s.config.Logs.Tail(n)
	}
	text := strings.Join(lines, "\n")
	if text == "" {
		text = noLogsMessage
	} else {
		text += "\n"
	}
	writeJSON(w, http.StatusOK, LogsResponse{Logs: text})
}

// handleHistory returns recorded runs, newest first. ?limit=N bounds the
// count; the store's default applies otherwise.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, agentErrors.CodeServerInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	runs := []storage.Run{}
	if s.config.Store != nil {
		got, err := s.config.Store.History(limit)
		if err != nil {
			log.Printf("server: history: %v", err)
			writeCodedError(w, err)
			return
		}
		if got != nil {
			runs = got
		}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) recordRun(kind tasks.Kind, success bool, port int, status string) {
	if s.config.Store == nil {
		return
	}
	if err := s.config.Store.RecordRun(string(kind), success, port, status); err != nil {
		log.Printf("server: record %s run: %v", kind, err)
	}
}
