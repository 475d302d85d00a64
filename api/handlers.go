package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"shuttlelink/task"
	"shuttlelink/track"
)

// SubmitRequest is the JSON request for submitting a command.
type SubmitRequest struct {
	ID          string         `json:"id"`
	Device      string         `json:"device,omitempty"`
	Type        string         `json:"type"`
	Source      *task.Location `json:"source,omitempty"`
	Destination *task.Location `json:"destination,omitempty"`
	Gate        int            `json:"gate,omitempty"`
	EnterDir    string         `json:"enter_dir,omitempty"`
	ExitDir     string         `json:"exit_dir,omitempty"`
}

// SubmitResponse acknowledges an accepted command.
type SubmitResponse struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// CommandResponse is the JSON form of a tracked command.
type CommandResponse struct {
	ID          string             `json:"id"`
	Type        string             `json:"type"`
	State       string             `json:"state"`
	Device      string             `json:"device,omitempty"`
	Status      string             `json:"status,omitempty"`
	SubmittedAt time.Time          `json:"submitted_at"`
	StartedAt   time.Time          `json:"started_at,omitzero"`
	CompletedAt time.Time          `json:"completed_at,omitzero"`
	Result      *task.Notification `json:"result,omitempty"`
}

func commandResponse(info track.TrackingInfo) CommandResponse {
	resp := CommandResponse{
		ID:          info.Envelope.ID,
		Type:        info.Envelope.Type.String(),
		State:       info.State.String(),
		Device:      info.Device,
		SubmittedAt: info.SubmittedAt,
		StartedAt:   info.StartedAt,
		CompletedAt: info.CompletedAt,
	}
	if info.LastStatus != 0 {
		resp.Status = info.LastStatus.String()
	}
	if info.LastResult != nil {
		n := info.LastResult.Notification()
		resp.Result = &n
	}
	return resp
}

func parseDirection(s string) (task.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bottom":
		return task.DirectionBottom, nil
	case "top":
		return task.DirectionTop, nil
	default:
		return 0, fmt.Errorf("unknown direction: %q", s)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	cmdType, err := task.ParseCommandType(req.Type)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	enterDir, err := parseDirection(req.EnterDir)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	exitDir, err := parseDirection(req.ExitDir)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	env := task.CommandEnvelope{
		ID:          req.ID,
		Device:      req.Device,
		Type:        cmdType,
		Source:      req.Source,
		Destination: req.Destination,
		Gate:        req.Gate,
		EnterDir:    enterDir,
		ExitDir:     exitDir,
	}

	accepted, err := s.coord.Submit(r.Context(), env)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !accepted {
		s.writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}

	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, SubmitResponse{ID: env.ID, Accepted: true})
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	pending := s.coord.PendingCommands()
	processing := s.coord.ProcessingCommands()

	resp := struct {
		Pending    []CommandResponse `json:"pending"`
		Processing []CommandResponse `json:"processing"`
	}{
		Pending:    make([]CommandResponse, 0, len(pending)),
		Processing: make([]CommandResponse, 0, len(processing)),
	}
	for _, info := range pending {
		resp.Pending = append(resp.Pending, commandResponse(info))
	}
	for _, info := range processing {
		resp.Processing = append(resp.Processing, commandResponse(info))
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleCommandInfo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := s.coord.CommandInfo(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "command not found")
		return
	}
	s.writeJSON(w, commandResponse(info))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.coord.Remove(id); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, map[string]bool{"removed": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.coord.Status())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.coord.Pause()
	s.writeJSON(w, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.coord.Resume()
	s.writeJSON(w, map[string]bool{"paused": false})
}

func (s *Server) handleDeviceRecover(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	if err := s.coord.TriggerDeviceRecovery(device); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, map[string]bool{"triggered": true})
}

func (s *Server) handleSlotRecover(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid slot number")
		return
	}
	if err := s.coord.TriggerSlotRecovery(device, slot); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, map[string]bool{"triggered": true})
}

// LocationResponse is the JSON response for a current-location read.
type LocationResponse struct {
	Device   string        `json:"device"`
	Slot     int           `json:"slot"`
	Location task.Location `json:"location"`
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")

	slot := 0
	if v := r.URL.Query().Get("slot"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid slot number")
			return
		}
		slot = n
	}

	loc, err := s.coord.ReadCurrentLocation(device, slot)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, LocationResponse{Device: device, Slot: slot, Location: loc})
}
