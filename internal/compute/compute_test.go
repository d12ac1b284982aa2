package compute_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openkim/kimrun/internal/compute"
	"github.com/openkim/kimrun/internal/document"
	"github.com/openkim/kimrun/internal/kim"
	"github.com/openkim/kimrun/internal/kimcode"
	"github.com/openkim/kimrun/internal/model"
	"github.com/openkim/kimrun/internal/repo"
	"github.com/openkim/kimrun/internal/store"
	"github.com/openkim/kimrun/internal/template"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

const (
	runnerID  = "Echo__TE_000000000001_000"
	subjectID = "LJ__MO_000000000002_000"
	jobID     = "TE_000000000001_000-and-MO_000000000002_000-1700000000"
)

type env struct {
	root     string
	running  string
	repo     repo.Repository
	store    *store.Store
	computer *compute.Computer
	runner   kim.Runner
	subject  kim.Subject
}

func lookSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("sh not available: %v", err)
	}
}

// setup creates a repository holding one test whose runner script is body.
func setup(t *testing.T, body string, profiler ...string) env {
	t.Helper()
	lookSh(t)
	root := t.TempDir()
	te := filepath.Join(root, "te", runnerID)
	require.NoError(t, os.MkdirAll(te, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(te, kim.SpecFile), []byte(`{"species" ["Ar"]
 "matching-models" ["standard-models"]
 "kim-api-version" "2.0"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(te, kim.TemplateFile), []byte("@< MODELNAME >@\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(te, kim.Executable), []byte("#!/bin/sh\n"+body), 0o755))

	mo := filepath.Join(root, "mo", subjectID)
	require.NoError(t, os.MkdirAll(mo, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(mo, kim.SpecFile), []byte(`{"species" ["Ar"] "kim-api-version" "2.0"}`), 0o644))

	r := repo.New(root, false)
	cfg := model.DefaultConfig().Pipeline
	cfg.Repository = root
	cfg.Running = filepath.Join(t.TempDir(), "running")
	cfg.Profiler = profiler

	s, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "kimrun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	c, err := compute.NewComputer(cfg, r, template.NewRenderer(r, nil, nil), nil)
	require.NoError(t, err)
	c = c.WithRecorder(s).WithEcho(nil, nil)

	runner, err := r.LoadRunner(kimcode.MustParse(runnerID))
	require.NoError(t, err)
	subject, err := r.LoadSubject(kimcode.MustParse(subjectID))
	require.NoError(t, err)

	return env{root: root, running: cfg.Running, repo: r, store: s, computer: c, runner: runner, subject: subject}
}

func readSpec(t *testing.T, path string) map[string]any {
	t.Helper()
	m, err := document.ReadMap(path)
	require.NoError(t, err)
	return m
}

const writeResult = `read model
echo "running $model"
printf '{"property-id" "tag:x:property/a" "instance-id" 1}' > output/results.edn
`

func TestRun_Success(t *testing.T) {
	t.Parallel()
	profiler := []string{"/bin/sh", "-c", `"$0"; rc=$?; echo '{"usertime":0.5}' >&2; exit $rc`}
	e := setup(t, writeResult, profiler...)

	job := compute.NewJob(e.runner, e.subject, jobID)
	job.Extra = map[string]any{"host": "test"}
	outcome, err := e.computer.Run(t.Context(), job)
	require.NoError(t, err)

	require.Equal(t, compute.Completed, job.State)
	require.Equal(t, kimcode.KindTestResult, outcome.Kind)
	require.Equal(t, jobID+"-tr", outcome.UUID)
	require.Equal(t, 0, job.ExitCode)
	require.Equal(t, []string{"tag:x:property/a"}, job.Properties)
	require.Equal(t, 0.5, job.Profiling["usertime"])
	require.Equal(t, "test", job.Profiling["host"])

	final := filepath.Join(e.root, "tr", jobID+"-tr")
	require.Equal(t, final, job.Path)
	stdout, err := os.ReadFile(filepath.Join(final, compute.StdoutFile))
	require.NoError(t, err)
	require.Equal(t, "running "+subjectID+"\n", string(stdout))

	spec := readSpec(t, filepath.Join(final, kim.SpecFile))
	require.Equal(t, runnerID, spec["test"])
	require.Equal(t, subjectID, spec["model"])
	require.Equal(t, "openkim.org", spec["domain"])
	require.Equal(t, jobID+"-tr", spec["test-result-id"])

	pipespec := readSpec(t, filepath.Join(final, store.PipelineSpecFile))
	require.NotContains(t, pipespec, "error-category")
	require.Contains(t, pipespec, "profiling")

	entries, err := os.ReadDir(e.running)
	require.NoError(t, err)
	require.Empty(t, entries)

	latest, err := e.store.Latest(t.Context(), "000000000001", "000000000002")
	require.NoError(t, err)
	require.Equal(t, outcome.UUID, latest.UUID)
}

func TestRun_Failures(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		body     string
		then     string
	}{
		{"nonzero exit", "echo dying >&2\nexit 137\n", "returned error code 137"},
		{"no results", "echo nothing\n", "did not produce"},
		{"malformed results", "printf '{{{' > output/results.edn\n", "not valid EDN"},
		{"results without property id", "printf '{\"a\" 1}' > output/results.edn\n", "property-id"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			e := setup(t, tt.body)
			job := compute.NewJob(e.runner, e.subject, jobID)
			outcome, err := e.computer.Run(t.Context(), job)
			require.NoError(t, err)

			require.Equal(t, compute.Failed, job.State)
			require.Equal(t, kimcode.KindError, outcome.Kind)
			require.Contains(t, outcome.ErrorText, tt.then)
			require.Nil(t, outcome.PropertyData)

			final := filepath.Join(e.root, "er", jobID+"-er")
			exc, err := os.ReadFile(filepath.Join(final, store.ExceptionFile))
			require.NoError(t, err)
			require.Equal(t, outcome.ErrorText, string(exc))
			require.Contains(t, string(exc), "output/pipeline.stderr:\n")

			pipespec := readSpec(t, filepath.Join(final, store.PipelineSpecFile))
			require.Equal(t, []any{"other"}, pipespec["error-category"])

			got, err := e.store.Get(t.Context(), jobID+"-er")
			require.NoError(t, err)
			require.True(t, got.Latest)
		})
	}
}

func TestRun_Abort(t *testing.T) {
	t.Parallel()
	e := setup(t, "echo started\nexec sleep 30\n")

	ctx, cancel := context.WithTimeout(t.Context(), 500*time.Millisecond)
	defer cancel()
	job := compute.NewJob(e.runner, e.subject, jobID)
	start := time.Now()
	outcome, err := e.computer.Run(ctx, job)
	require.ErrorIs(t, err, compute.ErrAbort)
	require.Less(t, time.Since(start), 10*time.Second)
	require.Equal(t, kimcode.KindError, outcome.Kind)
	require.Equal(t, jobID+"-er", outcome.UUID)

	final := filepath.Join(e.root, "er", jobID+"-er")
	pipespec := readSpec(t, filepath.Join(final, store.PipelineSpecFile))
	require.Equal(t, []any{"aborted"}, pipespec["error-category"])

	got, err := e.store.Get(t.Context(), jobID+"-er")
	require.NoError(t, err)
	require.Contains(t, got.ErrorText, "started")
}

func TestRun_InPlace(t *testing.T) {
	t.Parallel()
	e := setup(t, writeResult)
	job := compute.NewJob(e.runner, e.subject, "")
	outcome, err := e.computer.Run(t.Context(), job)
	require.NoError(t, err)
	require.Empty(t, outcome.UUID)
	require.Equal(t, kimcode.KindTestResult, outcome.Kind)

	out := filepath.Join(e.runner.Path(), compute.OutputDir)
	require.Equal(t, out, job.Path)
	spec := readSpec(t, filepath.Join(out, kim.SpecFile))
	require.NotContains(t, spec, "test-result-id")

	all, err := e.store.List(t.Context(), false)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestPackageMismatch(t *testing.T) {
	t.Parallel()
	e := setup(t, "exit 0\n")
	job := compute.NewJob(e.runner, e.subject, jobID)
	outcome, err := e.computer.PackageMismatch(t.Context(), job, "Simulator not supported")
	require.NoError(t, err)
	require.Equal(t, kimcode.KindError, outcome.Kind)
	require.True(t, strings.HasPrefix(outcome.ErrorText, "runner and subject do not match: Simulator not supported\n"))
	require.Equal(t, -1.0, job.Profiling["runtime"])

	pipespec := readSpec(t, filepath.Join(e.root, "er", jobID+"-er", store.PipelineSpecFile))
	require.Equal(t, []any{"mismatch"}, pipespec["error-category"])

	outcome, err = e.computer.PackageBuildError(t.Context(), compute.NewJob(e.runner, e.subject, jobID), errors.New("make failed"))
	require.NoError(t, err)
	require.Contains(t, outcome.ErrorText, "make failed")
	pipespec = readSpec(t, filepath.Join(e.root, "er", jobID+"-er", store.PipelineSpecFile))
	require.Equal(t, []any{"other"}, pipespec["error-category"])
}

func TestFormatException(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, compute.StdoutFile), []byte("a\nb\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, compute.StderrFile), []byte("err"), 0o644))

	got := compute.FormatException(fmt.Errorf("%w: boom", compute.ErrRuntime), dir)
	g := goldie.New(t)
	g.Assert(t, "exception", []byte(got))
}

func TestFormatException_Tail(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var sb strings.Builder
	for i := range 60 {
		sb.WriteString(strings.Repeat("x", i) + "\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, compute.StdoutFile), []byte(sb.String()), 0o644))

	got := compute.FormatException(errors.New("e"), dir)
	require.NotContains(t, got, "\n"+strings.Repeat("x", 9)+"\n")
	require.Contains(t, got, "\n"+strings.Repeat("x", 10)+"\n")
	require.Contains(t, got, "\n"+strings.Repeat("x", 59)+"\n")
}
