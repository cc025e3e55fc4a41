package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edconnect-jp/roster-bridge/domains/roster/be/service"
	"github.com/edconnect-jp/roster-bridge/platform/go/persistence"
	"github.com/edconnect-jp/roster-bridge/platform/go/requesttrace"
)

// Job states for asynchronous uploads.
const (
	jobStatusProcessing = "processing"
	jobStatusCompleted  = "completed"
	jobStatusFailed     = "failed"
)

// uploadJob tracks one asynchronous upload from acceptance to completion.
type uploadJob struct {
	ID          string                `json:"jobId"`
	Status      string                `json:"status"`
	SubmittedAt time.Time             `json:"submittedAt"`
	FinishedAt  *time.Time            `json:"finishedAt,omitempty"`
	Results     []service.BatchResult `json:"results,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// jobTracker is an in-memory registry of upload jobs. Jobs do not survive a
// restart; clients that need the outcome durably use the sync endpoint.
type jobTracker struct {
	mu   sync.RWMutex
	jobs map[string]*uploadJob
}

func newJobTracker() *jobTracker {
	return &jobTracker{jobs: make(map[string]*uploadJob)}
}

func (t *jobTracker) create() *uploadJob {
	job := &uploadJob{
		ID:          uuid.NewString(),
		Status:      jobStatusProcessing,
		SubmittedAt: time.Now().UTC(),
	}
	t.mu.Lock()
	t.jobs[job.ID] = job
	t.mu.Unlock()
	return job
}

func (t *jobTracker) finish(id string, results []service.BatchResult, jobErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	job.FinishedAt = &now
	job.Results = results
	if jobErr != nil {
		job.Status = jobStatusFailed
		job.Error = jobErr.Error()
		return
	}
	job.Status = jobStatusCompleted
}

func (t *jobTracker) get(id string) (uploadJob, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	if !ok {
		return uploadJob{}, false
	}
	return *job, true
}

// batchPart is one CSV payload extracted from a request, tagged with the
// entity kind it targets.
type batchPart struct {
	kind persistence.Kind
	data []byte
}

// uploadCSV accepts a single CSV file plus an entityType form field and
// processes it in the background.
func (h *Handler) uploadCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		h.rejectUpload(w, err)
		return
	}

	kind, err := persistence.ParseKind(r.FormValue("entityType"))
	if err != nil {
		h.writeProblem(w, http.StatusBadRequest, "Validation failed", err.Error(), problemTypeValidation)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		h.writeProblem(w, http.StatusBadRequest, "Validation failed",
			"multipart field \"file\" is required", problemTypeValidation)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.rejectUpload(w, err)
		return
	}

	h.launchJob(w, r, []batchPart{{kind: kind, data: data}})
}

// uploadBundle accepts one multipart request with a part per entity kind
// (academicSessions, orgs, users) and processes all of them in the
// background as independent batches.
func (h *Handler) uploadBundle(w http.ResponseWriter, r *http.Request) {
	parts, ok := h.bundleParts(w, r)
	if !ok {
		return
	}
	h.launchJob(w, r, parts)
}

// uploadBundleSync is the blocking variant: the response carries the final
// batch results instead of a job handle.
func (h *Handler) uploadBundleSync(w http.ResponseWriter, r *http.Request) {
	parts, ok := h.bundleParts(w, r)
	if !ok {
		return
	}

	results, err := h.processParts(r.Context(), parts)
	if err != nil {
		h.problemForError(r.Context(), w, err, uploadOperation)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) getUploadJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.jobs.get(chi.URLParam(r, "jobID"))
	if !ok {
		h.writeProblem(w, http.StatusNotFound, "Resource not found",
			"no upload job with that id", problemTypeNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

func (h *Handler) bundleParts(w http.ResponseWriter, r *http.Request) ([]batchPart, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		h.rejectUpload(w, err)
		return nil, false
	}

	parts := make([]batchPart, 0, len(persistence.Kinds()))
	for _, kind := range persistence.Kinds() {
		file, _, err := r.FormFile(string(kind))
		if err != nil {
			continue
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			h.rejectUpload(w, err)
			return nil, false
		}
		parts = append(parts, batchPart{kind: kind, data: data})
	}

	if len(parts) == 0 {
		h.writeProblem(w, http.StatusBadRequest, "Validation failed",
			"at least one entity file part is required (academicSessions, orgs or users)", problemTypeValidation)
		return nil, false
	}
	return parts, true
}

// launchJob accepts the upload, spawns the background batch run and answers
// 202 with the job handle. The audit identity is detached from the request
// context so the worker outlives the HTTP exchange.
func (h *Handler) launchJob(w http.ResponseWriter, r *http.Request, parts []batchPart) {
	job := h.jobs.create()

	ctx := context.Background()
	if audit, ok := requesttrace.FromContext(r.Context()); ok {
		ctx = requesttrace.IntoContext(ctx, audit)
	}

	go func() {
		results, err := h.processParts(ctx, parts)
		h.jobs.finish(job.ID, results, err)
		if err != nil {
			h.logger.Error("upload job failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			return
		}
		h.logger.Info("upload job finished",
			zap.String("job_id", job.ID),
			zap.Int("batches", len(results)),
		)
	}()

	// The worker may already be mutating the job under the tracker lock, so
	// the 202 body never reads through the shared pointer.
	w.Header().Set("Location", "/api/v1/upload/jobs/"+job.ID)
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":  job.ID,
		"status": jobStatusProcessing,
	})
}

// processParts runs each CSV through the service in profile kind order, one
// batch per part. Row-level rejections live inside each BatchResult; only a
// structural or storage problem surfaces as an error.
func (h *Handler) processParts(ctx context.Context, parts []batchPart) ([]service.BatchResult, error) {
	sort.SliceStable(parts, func(i, j int) bool {
		return kindOrder(parts[i].kind) < kindOrder(parts[j].kind)
	})

	results := make([]service.BatchResult, 0, len(parts))
	for _, part := range parts {
		result, err := h.svc.ProcessFile(ctx, part.kind, part.data)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func kindOrder(kind persistence.Kind) int {
	for i, k := range persistence.Kinds() {
		if k == kind {
			return i
		}
	}
	return len(persistence.Kinds())
}

func (h *Handler) rejectUpload(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		h.writeProblem(w, http.StatusRequestEntityTooLarge, "Payload too large",
			"the uploaded file exceeds the configured size limit", problemTypePayload)
		return
	}
	h.writeProblem(w, http.StatusBadRequest, "Validation failed",
		"malformed multipart request", problemTypeValidation)
}
