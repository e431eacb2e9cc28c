package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"postwave/internal/content"
	"postwave/internal/model"
	"postwave/internal/orchestrator"
	"postwave/internal/platform"
	"postwave/internal/publish"
	"postwave/internal/queue"
	"postwave/internal/storage"
	logx "postwave/pkg/logx"
)

type jobResponse struct {
	JobID string `json:"job_id"`
}

type createPostRequest struct {
	Content     content.Content `json:"content"`
	ScheduledAt time.Time       `json:"scheduled_at,omitzero"`
	Accounts    []string        `json:"accounts"`
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Accounts) == 0 {
		writeError(w, http.StatusBadRequest, "accounts: at least one account id is required")
		return
	}
	p := model.Post{Content: req.Content, ScheduledAt: req.ScheduledAt}
	for _, id := range req.Accounts {
		p.PlatformPosts = append(p.PlatformPosts, model.PlatformPost{AccountID: strings.TrimSpace(id)})
	}
	created, err := s.api.CreatePost(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	p, err := s.api.GetPost(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) publishNow(w http.ResponseWriter, r *http.Request) {
	id, err := s.api.PublishPostNow(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: id})
}

type scheduleRequest struct {
	At time.Time `json:"at"`
}

func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.api.SchedulePostForLater(r.Context(), chi.URLParam(r, "postID"), req.At)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: id})
}

type retryRequest struct {
	Error string `json:"error,omitempty"`
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	id, err := s.api.RetryFailedPost(r.Context(), chi.URLParam(r, "postID"), chi.URLParam(r, "ppID"), req.Error)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: id})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.api.GetQueueStats())
}

type jobView struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	PostID         string    `json:"post_id"`
	PlatformPostID string    `json:"platform_post_id,omitempty"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	LastError      string    `json:"last_error,omitempty"`
	Running        bool      `json:"running"`
}

func (s *Server) jobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.api.Jobs()
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView{
			ID: j.ID, Kind: string(j.Kind), PostID: j.PostID, PlatformPostID: j.PlatformPostID,
			ScheduledAt: j.ScheduledAt, Attempts: j.Attempts, MaxAttempts: j.MaxAttempts,
			LastError: j.LastError, Running: j.Running,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if !s.api.CancelJob(chi.URLParam(r, "jobID")) {
		writeError(w, http.StatusConflict, "job not found or already running")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) process(w http.ResponseWriter, r *http.Request) {
	rep, err := s.api.ProcessScheduledPosts(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type validateRequest struct {
	Platform platform.ID     `json:"platform"`
	Content  content.Content `json:"content"`
	Truncate bool            `json:"truncate,omitempty"`
}

func (s *Server) validateContent(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := s.api.ValidateContent(req.Platform, req.Content, content.Options{Truncate: req.Truncate})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) validatePost(w http.ResponseWriter, r *http.Request) {
	invalid, err := s.api.ValidatePost(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"is_valid": len(invalid) == 0, "errors": invalid})
}

type contentRequest struct {
	Content content.Content `json:"content"`
}

func (s *Server) updatePost(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.api.UpdatePost(r.Context(), chi.URLParam(r, "postID"), req.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeView(out))
}

func (s *Server) addComment(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.api.AddComment(r.Context(), chi.URLParam(r, "postID"), req.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeView(out))
}

type outcome struct {
	Responses map[string][]platform.PostResponse `json:"responses"`
	Failures  map[string]string                  `json:"failures,omitempty"`
}

func outcomeView(o orchestrator.Outcome) outcome {
	v := outcome{Responses: o.Responses}
	if len(o.Failures) > 0 {
		v.Failures = make(map[string]string, len(o.Failures))
		for acct, err := range o.Failures {
			v.Failures[acct] = err.Error()
		}
	}
	return v
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrInvalid),
		errors.Is(err, publish.ErrBadSchedule),
		errors.Is(err, content.ErrUnknownPlatform),
		errors.Is(err, queue.ErrEmptyPostID):
		status = http.StatusBadRequest
	case errors.Is(err, publish.ErrInFlight):
		status = http.StatusConflict
	case errors.Is(err, queue.ErrStopped), errors.Is(err, storage.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeError(w, status, err.Error())
}

// decode reads a JSON body strictly. It writes the error response itself and
// reports whether the handler should continue.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid body: trailing data")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
