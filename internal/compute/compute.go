// Package compute drives a single pairing from staging to a finalized
// outcome.
//
// A job moves through Staged, Executing, Validating and Finalizing and
// ends Completed or Failed. Every failure after staging is turned into an
// error outcome carrying the failure text and the tail of the runner's
// output; only an abort is returned to the caller.
//
// Layout of a finalized outcome:
//
//	output/pipeline.stdin      rendered input
//	output/pipeline.stdout     runner stdout
//	output/pipeline.stderr     runner stderr, profiler line last
//	output/kim.log             log of the KIM API, when written
//	output/results.edn         property instances with SI values
//	output/kimspec.edn         runner, subject and result ids
//	output/pipelinespec.edn    profiling and error category
//	output/pipeline.exception  failure text of error outcomes
package compute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openkim/kimrun/internal/document"
	"github.com/openkim/kimrun/internal/kim"
	"github.com/openkim/kimrun/internal/kimcode"
	"github.com/openkim/kimrun/internal/log"
	"github.com/openkim/kimrun/internal/model"
	"github.com/openkim/kimrun/internal/proc"
	"github.com/openkim/kimrun/internal/property"
	"github.com/openkim/kimrun/internal/repo"
	"github.com/openkim/kimrun/internal/store"
	"github.com/openkim/kimrun/internal/template"
	"github.com/openkim/kimrun/internal/units"
)

const (
	OutputDir  = "output"
	StdinFile  = "pipeline.stdin"
	StdoutFile = "pipeline.stdout"
	StderrFile = "pipeline.stderr"
	KIMLogFile = "kim.log"
)

// Error categories recorded in pipelinespec.edn.
const (
	CategoryMismatch = "mismatch"
	CategoryOther    = "other"
	CategoryAborted  = "aborted"
)

var (
	ErrAbort    = errors.New("pipeline aborted")
	ErrRuntime  = errors.New("runtime error")
	ErrResults  = errors.New("invalid results")
	ErrMismatch = errors.New("runner and subject do not match")
)

var intermediateFiles = []string{StdinFile, StdoutFile, StderrFile, KIMLogFile, store.ResultsFile}

// Recorder persists finalized outcomes.
type Recorder interface {
	Insert(ctx context.Context, o store.Outcome) error
}

type Computer struct {
	repo      repo.Repository
	running   string
	profiler  []string
	timeout   time.Duration
	renderer  template.Renderer
	converter units.Converter
	validator *property.Validator
	recorder  Recorder
	workerID  string
	echoOut   io.Writer
	echoErr   io.Writer
}

// NewComputer returns a computer staging runs below cfg.Running and
// relocating outcomes into r. A nil converter leaves results without SI
// values.
func NewComputer(cfg model.Pipeline, r repo.Repository, renderer template.Renderer, converter units.Converter) (*Computer, error) {
	timeout, err := cfg.JobTimeout()
	if err != nil {
		return nil, err
	}
	c := &Computer{
		repo:      r,
		running:   cfg.Running,
		profiler:  append([]string(nil), cfg.Profiler...),
		timeout:   timeout,
		renderer:  renderer,
		converter: converter,
		workerID:  WorkerID(),
		echoOut:   os.Stdout,
		echoErr:   os.Stderr,
	}
	if cfg.Properties != "" {
		c.validator = property.NewValidator(cfg.Properties)
	}
	return c, nil
}

// WithRecorder makes every finalized outcome with a result id be inserted
// into rec.
func (c *Computer) WithRecorder(rec Recorder) *Computer {
	c.recorder = rec
	return c
}

// WithEcho sets where verbose jobs echo the runner output.
func (c *Computer) WithEcho(stdout, stderr io.Writer) *Computer {
	c.echoOut, c.echoErr = stdout, stderr
	return c
}

// Run executes job and finalizes its outcome. Failures of the runner are
// reported through an error outcome and a nil error. An abort, including
// one caused by the job timeout, is finalized best effort and returned
// together with ErrAbort.
func (c *Computer) Run(ctx context.Context, job *Job) (store.Outcome, error) {
	ctx = c.jobContext(ctx, job)
	job.reset()
	work, cleanup, err := c.stage(ctx, job)
	if err != nil {
		return store.Outcome{}, err
	}
	defer cleanup()

	runErr := c.execute(ctx, job, work)
	if runErr == nil {
		runErr = c.validate(ctx, job, work)
	}

	switch {
	case runErr == nil:
		c.profile(job, work)
		return c.finalize(ctx, job, work, "", "")
	case errors.Is(runErr, ErrAbort):
		slog.WarnContext(ctx, "job aborted", "error", runErr)
		fctx := context.WithoutCancel(ctx)
		c.profile(job, work)
		exc := FormatException(runErr, filepath.Join(work, OutputDir))
		outcome, err := c.finalize(fctx, job, work, exc, CategoryAborted)
		if err != nil {
			slog.ErrorContext(fctx, "finalizing aborted job failed", "error", err)
		}
		return outcome, runErr
	default:
		slog.WarnContext(ctx, "job failed", "error", runErr)
		exc := FormatException(runErr, filepath.Join(work, OutputDir))
		c.profile(job, work)
		return c.finalize(ctx, job, work, exc, CategoryOther)
	}
}

// PackageBuildError writes an error outcome for a job whose runner or
// subject could not be built.
func (c *Computer) PackageBuildError(ctx context.Context, job *Job, cause error) (store.Outcome, error) {
	return c.packageError(ctx, job, cause, CategoryOther)
}

// PackageMismatch writes an error outcome for a pairing rejected by the
// matcher.
func (c *Computer) PackageMismatch(ctx context.Context, job *Job, reason string) (store.Outcome, error) {
	return c.packageError(ctx, job, fmt.Errorf("%w: %s", ErrMismatch, reason), CategoryMismatch)
}

func (c *Computer) packageError(ctx context.Context, job *Job, cause error, category string) (store.Outcome, error) {
	ctx = c.jobContext(ctx, job)
	job.reset()
	work, cleanup, err := c.stage(ctx, job)
	if err != nil {
		return store.Outcome{}, err
	}
	defer cleanup()

	exc := FormatException(cause, filepath.Join(work, OutputDir))
	c.profile(job, work)
	return c.finalize(ctx, job, work, exc, category)
}

func (c *Computer) jobContext(ctx context.Context, job *Job) context.Context {
	return log.ContextAttrs(ctx, log.Job(job.Runner.Code().String(), job.Subject.Code().String(), job.ResultCode))
}

// stage prepares the working directory of job. With a result code the
// runner tree is copied into the running area and removed by cleanup.
func (c *Computer) stage(ctx context.Context, job *Job) (string, func(), error) {
	src := job.Runner.Path()
	work := src
	cleanup := func() {}

	if job.ResultCode != "" {
		code := job.Runner.Code()
		work = filepath.Join(c.running, fmt.Sprintf("%s_running%s__%s", code.Name, job.ResultCode, code.Short()))
		if err := os.MkdirAll(c.running, 0o755); err != nil {
			return "", nil, fmt.Errorf("creating running directory: %w", err)
		}
		if err := os.RemoveAll(work); err != nil {
			return "", nil, fmt.Errorf("removing stale %s: %w", work, err)
		}
		if err := os.CopyFS(work, os.DirFS(src)); err != nil {
			_ = os.RemoveAll(work)
			return "", nil, fmt.Errorf("copying %s: %w", src, err)
		}
		cleanup = func() {
			if err := os.RemoveAll(work); err != nil {
				slog.ErrorContext(ctx, "removing working directory failed", "path", work, "error", err)
			}
		}
	}

	out := filepath.Join(work, OutputDir)
	if err := os.MkdirAll(out, 0o755); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("creating output directory: %w", err)
	}
	for _, name := range intermediateFiles {
		if err := os.Remove(filepath.Join(out, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			cleanup()
			return "", nil, fmt.Errorf("removing old %s: %w", name, err)
		}
	}
	slog.DebugContext(ctx, "job staged", "path", work)
	return work, cleanup, nil
}

func (c *Computer) execute(ctx context.Context, job *Job, work string) error {
	job.transition(ctx, Executing)
	out := filepath.Join(work, OutputDir)
	exe := filepath.Join(work, kim.Executable)

	stdinPath := filepath.Join(out, StdinFile)
	if err := c.renderer.RenderFile(ctx, filepath.Join(work, kim.TemplateFile), stdinPath, job.Runner, job.Subject); err != nil {
		return err
	}
	stdin, err := os.Open(stdinPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = stdin.Close()
	}()
	stdout, err := os.Create(filepath.Join(out, StdoutFile))
	if err != nil {
		return err
	}
	defer func() {
		_ = stdout.Close()
	}()
	stderr, err := os.Create(filepath.Join(out, StderrFile))
	if err != nil {
		return err
	}
	defer func() {
		_ = stderr.Close()
	}()

	cmd := proc.Command{
		Path:    exe,
		Env:     append(os.Environ(), "LIBC_FATAL_STDERR_=1"),
		Dir:     work,
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
		Verbose: job.Verbose,
		Echo:    c.echoOut,
		EchoErr: c.echoErr,
	}
	if len(c.profiler) > 0 {
		cmd.Path = c.profiler[0]
		cmd.Args = append(append([]string(nil), c.profiler[1:]...), exe)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	started := time.Now()
	res, runErr := proc.NewRunner().Run(ctx, cmd)
	job.Runtime = time.Since(started).Seconds()
	job.ExitCode = res.ExitCode

	if err := copyIfExists(filepath.Join(work, KIMLogFile), filepath.Join(out, KIMLogFile)); err != nil {
		slog.WarnContext(ctx, "copying kim.log failed", "error", err)
	}

	switch {
	case errors.Is(runErr, proc.ErrAborted):
		return fmt.Errorf("%w: %w", ErrAbort, runErr)
	case runErr != nil:
		return fmt.Errorf("%w: executing %s: %w", ErrRuntime, job.Runner.Code(), runErr)
	case res.ExitCode != 0:
		return fmt.Errorf("%w: executable %s returned error code %d", ErrRuntime, job.Runner.Code(), res.ExitCode)
	}
	slog.DebugContext(ctx, "runner finished", "runtime", job.Runtime)
	return nil
}

func (c *Computer) validate(ctx context.Context, job *Job, work string) error {
	job.transition(ctx, Validating)
	path := filepath.Join(work, OutputDir, store.ResultsFile)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: the runner did not produce a %s results file", ErrRuntime, filepath.Join(OutputDir, store.ResultsFile))
	}

	results, err := document.Read(path)
	if err != nil {
		return fmt.Errorf("%w: the results file produced by the runner (%s) is not valid EDN: %w", ErrResults, filepath.Join(OutputDir, store.ResultsFile), err)
	}
	ids, err := property.IDs(results)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResults, err)
	}
	job.Properties = ids

	if c.converter != nil {
		results, err = units.AddSI(ctx, c.converter, results)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrResults, err)
		}
	}

	if job.Verify {
		if c.validator == nil {
			slog.WarnContext(ctx, "no property definitions configured: skipping verification")
		} else if err := c.validator.Validate(results); err != nil {
			return fmt.Errorf("%w: result did not conform to property definition\n%w", ErrResults, err)
		}
	}

	if err := document.Write(path, results); err != nil {
		return err
	}
	job.results = results
	return nil
}

// finalize writes the metadata of the outcome and relocates the output
// directory. A non-empty category marks an error outcome.
func (c *Computer) finalize(ctx context.Context, job *Job, work, exc, category string) (store.Outcome, error) {
	job.transition(ctx, Finalizing)
	failed := category != ""
	out := filepath.Join(work, OutputDir)

	job.Kind = job.Runner.ResultKind()
	if failed {
		job.Kind = kimcode.KindError
		if err := os.WriteFile(filepath.Join(out, store.ExceptionFile), []byte(exc), 0o644); err != nil {
			return store.Outcome{}, fmt.Errorf("writing %s: %w", store.ExceptionFile, err)
		}
	}

	var resultID string
	if job.ResultCode != "" {
		resultID = job.ResultCode + "-" + string(job.Kind)
	}

	runner, subject := job.Runner.Code(), job.Subject.Code()
	kimspec := map[string]any{
		kim.TypeName(runner.Type):  runner.String(),
		kim.TypeName(subject.Type): subject.String(),
		kim.KeyDomain:              kim.Domain,
	}
	pipelinespec := map[string]any{}
	if len(job.Profiling) > 0 {
		pipelinespec[kim.KeyProfile] = job.Profiling
	}
	if resultID != "" {
		kimspec[kim.ResultIDKey(job.Kind)] = resultID
		pipelinespec[kim.ResultIDKey(job.Kind)] = resultID
	}
	if failed {
		pipelinespec[kim.KeyErrorCat] = []any{category}
	}
	if err := document.Write(filepath.Join(out, kim.SpecFile), kimspec); err != nil {
		return store.Outcome{}, err
	}
	if err := document.Write(filepath.Join(out, store.PipelineSpecFile), pipelinespec); err != nil {
		return store.Outcome{}, err
	}

	job.Path = out
	if resultID != "" {
		final := filepath.Join(c.repo.KindDir(job.Kind), resultID)
		if err := relocate(out, final); err != nil {
			return store.Outcome{}, fmt.Errorf("relocating %s: %w", resultID, err)
		}
		job.Path = final
	}

	outcome := store.Outcome{
		UUID:          resultID,
		Kind:          job.Kind,
		Runner:        runner,
		Subject:       subject,
		RunnerDriver:  driver(job.Runner),
		SubjectDriver: driver(job.Subject),
		PropertyData:  job.results,
		Profiling:     job.Profiling,
		CreatedAt:     time.Now(),
		ErrorText:     exc,
	}
	if failed {
		outcome.PropertyData = nil
		job.transition(ctx, Failed)
	} else {
		job.transition(ctx, Completed)
	}
	slog.InfoContext(ctx, "job finalized", "kind", string(job.Kind), "path", job.Path)

	if c.recorder != nil && resultID != "" {
		if err := c.recorder.Insert(ctx, outcome); err != nil {
			return outcome, fmt.Errorf("recording %s: %w", resultID, err)
		}
	}
	return outcome, nil
}

func driver(item kim.Item) string {
	hd, ok := item.(kim.HasDriver)
	if !ok {
		return ""
	}
	if d, ok := hd.Driver(); ok {
		return d.String()
	}
	return ""
}

// relocate replaces dst with the contents of src.
func relocate(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	return os.CopyFS(dst, os.DirFS(src))
}

func copyIfExists(src, dst string) error {
	in, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
