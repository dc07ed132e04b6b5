package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/covergen/coverd/app/persist"
	"github.com/covergen/coverd/app/store"
)

// APIJob represents a job in JSON API responses
type APIJob struct {
	PlaylistID string    `json:"playlist_id"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Percent    int       `json:"percent"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
	Rows       []APIRow  `json:"rows,omitempty"`
}

// APIRow represents a per-track row in JSON API responses
type APIRow struct {
	TrackID        string    `json:"track_id"`
	Status         string    `json:"status"`
	OriginalCover  string    `json:"original_cover,omitempty"`
	GeneratedCover string    `json:"generated_cover,omitempty"`
	DisplayedCover string    `json:"displayed_cover,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
}

// APIStats represents aggregated job counts in the status response
type APIStats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Paused    int `json:"paused"`
	Queued    int `json:"queued"`
	Completed int `json:"completed"`
	Canceled  int `json:"canceled"`
}

// APIHost represents host health in the status response
type APIHost struct {
	CPUPercent    int     `json:"cpu_percent"`
	MemoryPercent int     `json:"memory_percent"`
	Load1         float64 `json:"load1"`
}

// APIStatusResponse is the JSON response for /api/v1/status
type APIStatusResponse struct {
	Stats     APIStats  `json:"stats"`
	Host      APIHost   `json:"host"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// startJobRequest is the body of POST /jobs
type startJobRequest struct {
	PlaylistID string            `json:"playlist_id"`
	TrackIDs   []string          `json:"track_ids"`
	Covers     map[string]string `json:"covers,omitempty"`
}

// controlRequest is the body of POST /jobs/{id}/control
type controlRequest struct {
	Action string `json:"action"` // pause, resume or cancel
}

// restoreRequest is the body of POST /jobs/{id}/restore and /undo
type restoreRequest struct {
	TrackID string `json:"track_id,omitempty"`
	All     bool   `json:"all,omitempty"`
}

// toAPIJob converts a store job, rows ordered as requested at start
func toAPIJob(job *store.Job, withRows bool) APIJob {
	res := APIJob{
		PlaylistID: job.PlaylistID,
		Status:     string(job.Status),
		Total:      job.Total,
		Completed:  job.Completed,
		Percent:    job.Percent(),
		StartedAt:  job.StartedAt,
		LastError:  job.LastError,
	}
	if !withRows {
		return res
	}
	res.Rows = make([]APIRow, 0, len(job.TrackOrder))
	for _, id := range job.TrackOrder {
		row, ok := job.Rows[id]
		if !ok {
			continue
		}
		res.Rows = append(res.Rows, APIRow{
			TrackID:        row.TrackID,
			Status:         string(row.Status),
			OriginalCover:  row.OriginalCover,
			GeneratedCover: row.GeneratedCover,
			DisplayedCover: row.DisplayedCover,
			UpdatedAt:      row.UpdatedAt,
		})
	}
	return res
}

// handleStartJob creates and admits a regeneration job
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PlaylistID == "" || len(req.TrackIDs) == 0 {
		s.writeJSONError(w, http.StatusBadRequest, "playlist_id and track_ids required")
		return
	}

	if err := s.scheduler.Start(r.Context(), req.PlaylistID, req.TrackIDs, req.Covers); err != nil {
		log.Printf("[WARN] failed to start job for %s: %v", req.PlaylistID, err)
		s.writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	job, ok := s.scheduler.Job(req.PlaylistID)
	if !ok { // shouldn't happen after a successful start
		s.writeJSONError(w, http.StatusInternalServerError, "job not found after start")
		return
	}
	s.writeJSON(w, http.StatusCreated, toAPIJob(job, true))
}

// handleListJobs returns all jobs without row details
func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.scheduler.List()
	res := make([]APIJob, 0, len(jobs))
	for _, j := range jobs {
		res = append(res, toAPIJob(j, false))
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleGetJob returns one job with row details
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.scheduler.Job(r.PathValue("id"))
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toAPIJob(job, true))
}

// handleControlJob dispatches pause/resume/cancel
func (s *Server) handleControlJob(w http.ResponseWriter, r *http.Request) {
	playlistID := r.PathValue("id")
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var ok bool
	switch req.Action {
	case "pause":
		ok = s.scheduler.Pause(playlistID)
	case "resume":
		ok = s.scheduler.Resume(playlistID)
	case "cancel":
		ok = s.scheduler.Cancel(playlistID)
	default:
		s.writeJSONError(w, http.StatusBadRequest, "action must be pause, resume or cancel")
		return
	}
	if !ok {
		s.writeJSONError(w, http.StatusConflict, "job not found or not in a state allowing "+req.Action)
		return
	}

	job, _ := s.scheduler.Job(playlistID)
	s.writeJSON(w, http.StatusOK, toAPIJob(job, false))
}

// handleRestore reverts one track or the whole playlist to original covers
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	playlistID := r.PathValue("id")
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case req.All:
		count := s.scheduler.RestoreAll(playlistID)
		s.writeJSON(w, http.StatusOK, map[string]int{"restored": count})
	case req.TrackID != "":
		if !s.scheduler.RestoreTrack(playlistID, req.TrackID) {
			s.writeJSONError(w, http.StatusConflict, "track not found or not restorable")
			return
		}
		job, _ := s.scheduler.Job(playlistID)
		s.writeJSON(w, http.StatusOK, toAPIJob(job, true))
	default:
		s.writeJSONError(w, http.StatusBadRequest, "track_id or all required")
	}
}

// handleUndo flips a restored track back to its generated cover
func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	playlistID := r.PathValue("id")
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TrackID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "track_id required")
		return
	}
	if !s.scheduler.UndoRestore(playlistID, req.TrackID) {
		s.writeJSONError(w, http.StatusConflict, "track not found or not restored")
		return
	}
	job, _ := s.scheduler.Job(playlistID)
	s.writeJSON(w, http.StatusOK, toAPIJob(job, true))
}

// handleTransitions returns the audit trail for a playlist, newest first
func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if s.transitions == nil {
		s.writeJSONError(w, http.StatusNotImplemented, "transitions not available")
		return
	}
	playlistID := r.PathValue("id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	res, err := s.transitions.Transitions(playlistID, limit)
	if err != nil {
		log.Printf("[ERROR] failed to get transitions for %s: %v", playlistID, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load transitions")
		return
	}
	if res == nil {
		res = []persist.Transition{}
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleStatus returns job stats plus host health - designed for CLI/jq consumption
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := APIStats{}
	for _, j := range s.scheduler.List() {
		stats.Total++
		switch j.Status {
		case store.JobRunning:
			stats.Running++
		case store.JobPaused:
			stats.Paused++
		case store.JobQueued:
			stats.Queued++
		case store.JobCompleted:
			stats.Completed++
		case store.JobCanceled:
			stats.Canceled++
		}
	}

	host := APIHost{}
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		host.CPUPercent = int(cpuPercent[0])
	}
	if v, err := mem.VirtualMemory(); err == nil {
		host.MemoryPercent = int(v.UsedPercent)
	}
	if loads, err := load.Avg(); err == nil {
		host.Load1 = loads.Load1
	}

	s.writeJSON(w, http.StatusOK, APIStatusResponse{
		Stats:     stats,
		Host:      host,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
