package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/itstheanurag/autograder/internal/grader"
	"github.com/itstheanurag/autograder/internal/grades"
	"github.com/itstheanurag/autograder/internal/queue"
	"github.com/rs/zerolog"
)

// SubmissionReader looks up the stored best submission.
type SubmissionReader interface {
	Get(ctx context.Context, userID, assignmentID string) (*grades.Submission, error)
}

type Handler struct {
	queueManager *queue.Manager
	submissions  SubmissionReader
	waitTimeout  time.Duration
	logger       *zerolog.Logger
}

func NewHandler(manager *queue.Manager, submissions SubmissionReader, waitTimeout time.Duration, logger *zerolog.Logger) *Handler {
	return &Handler{
		queueManager: manager,
		submissions:  submissions,
		waitTimeout:  waitTimeout,
		logger:       logger,
	}
}

func (h *Handler) Grade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req grader.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.StudentID == "" || req.AssignmentID == "" || req.ArchivePath == "" {
		http.Error(w, "archive_path, student_id and assignment_id are required", http.StatusBadRequest)
		return
	}
	if !strings.EqualFold(filepath.Ext(req.ArchivePath), ".zip") {
		http.Error(w, "Please upload a .zip file", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.waitTimeout)
	defer cancel()

	job := queue.NewJob(ctx, "job-"+uuid.NewString(), req)
	if err := h.queueManager.Submit(ctx, job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	select {
	case out := <-job.Result:
		writeJSON(w, http.StatusOK, out)
	case <-ctx.Done():
		h.logger.Warn().Str("job_id", job.ID).Msg("gave up waiting for grading outcome")
		http.Error(w, "Grading timed out", http.StatusGatewayTimeout)
	}
}

func (h *Handler) Submission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	assignmentID := r.URL.Query().Get("assignment_id")
	if userID == "" || assignmentID == "" {
		http.Error(w, "user_id and assignment_id are required", http.StatusBadRequest)
		return
	}

	sub, err := h.submissions.Get(r.Context(), userID, assignmentID)
	if errors.Is(err, grades.ErrNotFound) {
		http.Error(w, "Submission not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read submission")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
