package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/manthysbr/prospector/internal/core/domain"
	"github.com/manthysbr/prospector/internal/core/services"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", QueueDepth: s.ctrl.QueueDepth()})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id, err := s.ctrl.Submit(r.Context(), req.Goal, services.SubmitOptions{
		Priority:    req.Priority,
		Tags:        req.Tags,
		ScheduledAt: req.ScheduledAt,
		MaxRetries:  req.MaxRetries,
		Config:      req.Config,
		Labels:      req.Labels,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitJobResponse{ID: id, Status: domain.JobStatusQueued})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		status   *string
		priority *int
		tag      *string
	)
	for name, dest := range map[string]any{"status": &status, "priority": &priority, "tag": &tag} {
		if err := runtime.BindQueryParameter("form", true, false, name, q, dest); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid format for parameter %s: %v", name, err))
			return
		}
	}

	var filter services.JobFilter
	if status != nil {
		st, ok := domain.ParseJobStatus(*status)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", *status))
			return
		}
		filter.Status = st
	}
	if priority != nil {
		filter.Priority = *priority
	}
	if tag != nil {
		filter.Tag = *tag
	}

	jobs := s.ctrl.List(filter)
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: jobs, Count: len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.ctrl.Status(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// respondJob writes the current record of a job after a lifecycle command.
func (s *Server) respondJob(w http.ResponseWriter, r *http.Request, id domain.JobID, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.ctrl.Status(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err == nil {
		err = s.ctrl.Pause(r.Context(), id)
	}
	s.respondJob(w, r, id, err)
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err == nil {
		err = s.ctrl.Resume(r.Context(), id)
	}
	s.respondJob(w, r, id, err)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req CancelJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.respondJob(w, r, id, s.ctrl.Cancel(r.Context(), id, req.Reason))
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err == nil {
		err = s.ctrl.Retry(r.Context(), id)
	}
	s.respondJob(w, r, id, err)
}

func (s *Server) handleScheduleJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req ScheduleJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	var at time.Time
	if req.At != nil {
		at = *req.At
	}
	s.respondJob(w, r, id, s.ctrl.Schedule(r.Context(), id, at))
}

func (s *Server) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	transitions, err := s.ctrl.Transitions(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransitionsResponse{Transitions: transitions})
}

func (s *Server) handleLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cp, err := s.ctrl.LatestCheckpoint(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	artifacts, err := s.ctrl.Artifacts(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []domain.ArtifactMetadata{}
	}
	writeJSON(w, http.StatusOK, ArtifactsResponse{Artifacts: artifacts})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	data, meta, err := s.ctrl.ReadArtifact(r.Context(), domain.ArtifactID(r.PathValue("id")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ct := mime.TypeByExtension(filepath.Ext(meta.Filename))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", meta.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Stats())
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	stats := s.ctrl.Stats()
	tools := s.ctrl.Tools()
	out := make([]ToolInfo, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolInfo{
			Name:          t.Name,
			Description:   t.Description,
			ExecutionType: t.ExecutionType,
			Parameters:    t.Parameters,
			BreakerState:  stats.Breakers[t.Name],
		})
	}
	writeJSON(w, http.StatusOK, ToolsResponse{Tools: out, Count: len(out)})
}
