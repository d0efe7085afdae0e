package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"secure-exec/internal/monitor"
	"secure-exec/internal/runtime"
	"secure-exec/internal/storage"
)

// Exit codes reported for executions that never produced a program exit code.
const (
	ExitTimeout    = -1
	ExitSetupError = -2
)

const (
	timeoutMessage  = "Timeout"
	setupErrPrefix  = "Execution setup error: "
	logWriteTimeout = 10 * time.Second
)

// Outcome classifies a finished execution for metrics and API status.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeError      Outcome = "error"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeSetupError Outcome = "setup_error"
)

// ExecutionResult is what the caller sees for one execution attempt.
type ExecutionResult struct {
	ExecID   string        `json:"exec_id"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Outcome  Outcome       `json:"-"`
	Duration time.Duration `json:"-"`
}

func timeoutResult() ExecutionResult {
	return ExecutionResult{ExitCode: ExitTimeout, Stderr: timeoutMessage, Outcome: OutcomeTimeout}
}

func setupFailure(err error) ExecutionResult {
	msg := strings.TrimPrefix(err.Error(), ErrLaunchSetup.Error()+": ")
	return ExecutionResult{ExitCode: ExitSetupError, Stderr: setupErrPrefix + msg, Outcome: OutcomeSetupError}
}

// LogWriter is the part of the execution log the orchestrator needs.
type LogWriter interface {
	InsertLog(ctx context.Context, e storage.Entry) (storage.LogRecord, error)
}

type Options struct {
	Image          string
	SeccompProfile string
	Timeout        time.Duration
	MaxFileSize    int64
	StagingRoot    string // parent of per-execution staging dirs; os.TempDir() when empty
	MaxConcurrent  int
	QueueTimeout   time.Duration // longest wait for a free slot; defaults to Timeout
	User           string
	Limits         ResourceLimits
}

type Option func(*Orchestrator)

func WithMetrics(m *monitor.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithTracer(t *monitor.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

func WithScanner(s *monitor.Scanner) Option { return func(o *Orchestrator) { o.scanner = s } }

func WithLanguages(r *runtime.Registry) Option { return func(o *Orchestrator) { o.languages = r } }

// Orchestrator runs one uploaded file end to end: validate, stage, launch
// under the isolation policy, record the attempt, destroy the staging area.
type Orchestrator struct {
	launcher    Launcher
	logs        LogWriter
	policy      IsolationPolicy
	timeout     time.Duration
	maxFileSize int64
	stagingRoot string
	sem         chan struct{}
	queueWait   time.Duration

	languages *runtime.Registry
	scanner   *monitor.Scanner
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
	newID     func() string
}

func NewOrchestrator(launcher Launcher, logs LogWriter, opts Options, options ...Option) (*Orchestrator, error) {
	if launcher == nil || logs == nil {
		return nil, fmt.Errorf("orchestrator needs a launcher and an execution log")
	}
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", opts.Timeout)
	}
	if opts.MaxFileSize <= 0 {
		return nil, fmt.Errorf("max file size must be positive, got %d", opts.MaxFileSize)
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 16
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = opts.Timeout
	}
	if opts.StagingRoot == "" {
		opts.StagingRoot = os.TempDir()
	}

	policy := DefaultPolicy(opts.Image, opts.SeccompProfile)
	policy.User = opts.User
	policy.Limits = opts.Limits
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		launcher:    launcher,
		logs:        logs,
		policy:      policy,
		timeout:     opts.Timeout,
		maxFileSize: opts.MaxFileSize,
		stagingRoot: opts.StagingRoot,
		sem:         make(chan struct{}, opts.MaxConcurrent),
		queueWait:   opts.QueueTimeout,
		languages:   runtime.NewRegistry(),
		newID:       uuid.NewString,
	}
	for _, opt := range options {
		opt(o)
	}
	return o, nil
}

// Policy returns the isolation policy every execution runs under.
func (o *Orchestrator) Policy() IsolationPolicy { return o.policy }

// MaxFileSize is the largest accepted upload in bytes.
func (o *Orchestrator) MaxFileSize() int64 { return o.maxFileSize }

func (o *Orchestrator) Healthy(ctx context.Context) bool {
	return o.launcher.Healthy(ctx)
}

// Run executes content as filename on behalf of identity.
//
// Requests failing validation return an error wrapping ErrValidation and
// leave no trace. Every other attempt is written to the execution log
// before its staging area is destroyed, and both happen before Run
// returns. If the log write fails the result is still returned, together
// with an error wrapping ErrLogWrite.
//
// Cancelling ctx does not stop a running program; only the timeout does.
func (o *Orchestrator) Run(ctx context.Context, identity, filename string, content []byte) (ExecutionResult, error) {
	execID := o.newID()
	logger := log.With().
		Str("exec_id", execID).
		Str("identity", identity).
		Str("filename", filename).
		Logger()

	if err := o.validate(filename, content); err != nil {
		logger.Info().Err(err).Msg("execution request rejected")
		return ExecutionResult{}, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	language := o.languageOf(filename)
	ctx, span := o.tracer.StartSpan(ctx, "run",
		monitor.AttrExecID.String(execID),
		monitor.AttrFilename.String(filename),
		monitor.AttrLanguage.String(language),
	)
	defer span.End()

	if err := o.acquire(ctx); err != nil {
		o.metrics.RecordRejected("capacity")
		logger.Warn().Err(err).Msg("no execution slot")
		return ExecutionResult{}, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: err}
	}
	defer func() { <-o.sem }()
	defer o.metrics.ExecutionStarted()()

	for _, f := range o.scanner.ScanSource(content) {
		o.metrics.RecordFinding(f)
		logger.Warn().Str("pattern", f.Pattern).Str("severity", f.Severity).Int("line", f.Line).
			Msg("suspicious pattern in submitted source")
	}

	logger.Info().Int("size", len(content)).Str("language", language).Msg("execution started")
	start := time.Now()

	res, err := o.execute(ctx, execID, identity, filename, content, logger)
	res.ExecID = execID
	res.Duration = time.Since(start)

	for _, f := range o.scanner.ScanOutput(res.Stdout + res.Stderr) {
		o.metrics.RecordFinding(f)
		logger.Warn().Str("pattern", f.Pattern).Str("severity", f.Severity).Msg("suspicious program output")
	}

	o.metrics.RecordExecution(language, string(res.Outcome), res.Duration.Seconds(), len(content), len(res.Stdout)+len(res.Stderr))
	span.SetAttributes(
		monitor.AttrExitCode.Int(res.ExitCode),
		monitor.AttrOutcome.String(string(res.Outcome)),
	)

	logger.Info().
		Int("exit_code", res.ExitCode).
		Str("outcome", string(res.Outcome)).
		Dur("duration", res.Duration).
		Msg("execution finished")

	return res, err
}

// acquire takes an execution slot, waiting at most queueWait.
func (o *Orchestrator) acquire(ctx context.Context) error {
	select {
	case o.sem <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(o.queueWait)
	defer timer.Stop()
	select {
	case o.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: waited %s", ErrCapacity, o.queueWait)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCapacity, ctx.Err())
	}
}

func (o *Orchestrator) validate(filename string, content []byte) error {
	if int64(len(content)) > o.maxFileSize {
		o.metrics.RecordRejected("size")
		return fmt.Errorf("%w: %w: %d bytes exceeds limit of %d bytes", ErrValidation, ErrSizeExceeded, len(content), o.maxFileSize)
	}
	if err := ValidateFilename(filename); err != nil {
		o.metrics.RecordRejected("filename")
		return err
	}
	return nil
}

func (o *Orchestrator) languageOf(filename string) string {
	if o.languages == nil {
		return "unknown"
	}
	lang, err := o.languages.Lookup(filename)
	if err != nil {
		return "unknown"
	}
	return lang.Name
}

// execute stages, launches, logs and cleans up. The deferred block is the
// only exit path, so the log write precedes staging removal even when the
// launcher panics.
func (o *Orchestrator) execute(ctx context.Context, execID, identity, filename string, content []byte, logger zerolog.Logger) (res ExecutionResult, err error) {
	var staging *stagingArea

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Str("stack", string(debug.Stack())).Msg("launcher panicked")
			res = setupFailure(fmt.Errorf("internal error: %v", p))
		}

		err = o.record(ctx, execID, identity, filename, res, logger)

		if staging != nil {
			if relErr := staging.release(); relErr != nil {
				o.metrics.RecordCleanupFailure()
				logger.Error().Err(relErr).Msg("failed to remove staging area")
			}
		}
	}()

	staging, stageErr := newStagingArea(o.stagingRoot, execID, filename, content)
	if stageErr != nil {
		res = setupFailure(stageErr)
		return res, nil
	}

	res = o.launch(ctx, LaunchSpec{
		ExecID:     execID,
		Policy:     o.policy,
		StagingDir: staging.dir,
		Filename:   filename,
	})
	return res, nil
}

func (o *Orchestrator) launch(ctx context.Context, spec LaunchSpec) ExecutionResult {
	launchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	out, err := o.launcher.Launch(launchCtx, spec)
	switch {
	case errors.Is(err, ErrTimeout):
		// Partial output is discarded.
		return timeoutResult()
	case err != nil:
		return setupFailure(err)
	}

	res := ExecutionResult{
		ExitCode: out.ExitCode,
		Stdout:   strings.TrimSpace(out.Stdout),
		Stderr:   strings.TrimSpace(out.Stderr),
		Outcome:  OutcomeSuccess,
	}
	if out.ExitCode != 0 {
		res.Outcome = OutcomeError
	}
	return res
}

func (o *Orchestrator) record(ctx context.Context, execID, identity, filename string, res ExecutionResult, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
	defer cancel()

	rec, err := o.logs.InsertLog(ctx, storage.Entry{
		Username: identity,
		Filename: filename,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	})
	if err != nil {
		o.metrics.RecordLogWriteFailure()
		logger.Error().Err(err).Msg("failed to write execution log")
		return &ExecutionError{ExecID: execID, Op: "log", Err: fmt.Errorf("%w: %w", ErrLogWrite, err)}
	}
	logger.Debug().Int64("log_id", rec.ID).Msg("execution logged")
	return nil
}
