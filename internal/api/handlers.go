package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"secure-exec/internal/monitor"
	"secure-exec/internal/runtime"
	"secure-exec/internal/sandbox"
	"secure-exec/internal/storage"
)

// uploadField is the multipart form field carrying the source file.
const uploadField = "file"

// Executor runs one uploaded file. *sandbox.Orchestrator implements it.
type Executor interface {
	Run(ctx context.Context, identity, filename string, content []byte) (sandbox.ExecutionResult, error)
	MaxFileSize() int64
	Healthy(ctx context.Context) bool
}

// Admission decides whether identity may execute now. *ratelimit.Limiter
// implements it.
type Admission interface {
	Allow(identity string) bool
	RetryAfter(identity string) time.Duration
}

// LogReader is the read side of the execution log.
type LogReader interface {
	FetchRecent(ctx context.Context, limit int) ([]storage.LogRecord, error)
	Healthy(ctx context.Context) bool
}

// LogLimits bounds GET /logs.
type LogLimits struct {
	Default int
	Max     int
}

type Handlers struct {
	executor  Executor
	admission Admission
	logs      LogReader
	languages *runtime.Registry
	metrics   *monitor.Metrics
	logLimits LogLimits
}

func NewHandlers(executor Executor, admission Admission, logs LogReader, languages *runtime.Registry, metrics *monitor.Metrics, limits LogLimits) *Handlers {
	if languages == nil {
		languages = runtime.NewRegistry()
	}
	if limits.Default <= 0 {
		limits.Default = 50
	}
	if limits.Max < limits.Default {
		limits.Max = limits.Default
	}
	return &Handlers{
		executor:  executor,
		admission: admission,
		logs:      logs,
		languages: languages,
		metrics:   metrics,
		logLimits: limits,
	}
}

// HandleExecute accepts a multipart upload and runs it. Checks run in a
// fixed order: file type, size, filename, then the caller's rate limit, so
// rejected uploads never consume an admission slot.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	caller, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, "unauthorized", "AUTH_REQUIRED", http.StatusUnauthorized, r)
		return
	}

	maxSize := h.executor.MaxFileSize()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.metrics.RecordRejected("size")
			writeError(w, fmt.Sprintf("file too large, max %d bytes", maxSize), "FILE_TOO_LARGE", http.StatusBadRequest, r)
			return
		}
		writeError(w, fmt.Sprintf("multipart field %q is required: %v", uploadField, err), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	defer file.Close()

	filename := header.Filename
	if _, err := h.languages.Lookup(filename); err != nil {
		h.metrics.RecordRejected("file_type")
		writeError(w, fmt.Sprintf("only %s files allowed", strings.Join(h.languages.Extensions(), ", ")),
			"UNSUPPORTED_FILE_TYPE", http.StatusBadRequest, r)
		return
	}

	content, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		writeError(w, "failed to read upload", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if int64(len(content)) > maxSize {
		h.metrics.RecordRejected("size")
		writeError(w, fmt.Sprintf("file too large, max %d bytes", maxSize), "FILE_TOO_LARGE", http.StatusBadRequest, r)
		return
	}

	if err := sandbox.ValidateFilename(filename); err != nil {
		h.metrics.RecordRejected("filename")
		writeError(w, validationMessage(err), "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}

	if !h.admission.Allow(caller.Identity) {
		h.metrics.RecordRejected("rate_limit")
		w.Header().Set("Retry-After", retryAfterSeconds(h.admission.RetryAfter(caller.Identity)))
		writeError(w, "rate limit exceeded, try again soon", "RATE_LIMITED", http.StatusTooManyRequests, r)
		return
	}

	result, err := h.executor.Run(r.Context(), caller.Identity, filename, content)
	switch {
	case err == nil:
	case sandbox.IsValidation(err):
		writeError(w, validationMessage(err), "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	case sandbox.IsCapacity(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, "all execution slots are busy, try again", "SERVER_BUSY", http.StatusServiceUnavailable, r)
		return
	case sandbox.IsLogWrite(err):
		// The program ran; the caller still gets its result.
		log.Error().Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("exec_id", result.ExecID).
			Msg("execution not recorded in execution log")
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
		writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
		return
	}

	status := StatusError
	if result.ExitCode == 0 {
		status = StatusSuccess
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{
		ExecID:   result.ExecID,
		Status:   status,
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		Duration: Duration{Duration: result.Duration.Round(time.Millisecond)},
	})
}

// HandleLogs returns recent execution log records. Admin only.
func (h *Handlers) HandleLogs(w http.ResponseWriter, r *http.Request) {
	caller, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, "unauthorized", "AUTH_REQUIRED", http.StatusUnauthorized, r)
		return
	}
	if !caller.IsAdmin() {
		writeError(w, "forbidden, admin role required", "FORBIDDEN", http.StatusForbidden, r)
		return
	}

	limit := h.logLimits.Default
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		limit = min(n, h.logLimits.Max)
	}

	if h.logs == nil {
		writeError(w, "execution log not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	records, err := h.logs.FetchRecent(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("fetching execution log")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if records == nil {
		records = []storage.LogRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}

func (h *Handlers) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LanguagesResponse{
		Languages:  h.languages.Languages(),
		Extensions: h.languages.Extensions(),
	})
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, sandbox.ErrSizeExceeded):
		return "file too large"
	case errors.Is(err, sandbox.ErrInvalidFilename):
		return "invalid filename"
	default:
		return "invalid request"
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
