package kimrun_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	kimrunPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("kimrun-ci") {
		slog.Warn("cannot locate kimrun-ci binary, integration tests are ignored: run go build -race -cover -covermode=atomic -o kimrun-ci ./cmd/kimrun/ first")
		os.Exit(0)
	}

	var err error
	kimrunPath, err = filepath.Abs("kimrun-ci")
	if err != nil {
		slog.Error("can't get abspath for kimrun-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for kimrun-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for kimrun-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func TestKimrun(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("sh not available: %v", err)
	}
	dir := tmpDir(t)

	config := fmt.Sprintf(`
version: 0
pipeline:
    repository: %s
    running: %s
    profiler: []
    query_url: ""
store:
    path: %s
service:
    verbose: false
    parallelism: 2
`, filepath.Join(dir, "repo"), filepath.Join(dir, "running"), filepath.Join(dir, "kimrun.db"))
	creat(t, filepath.Join(dir, "kimrun.yaml"), []byte(config))

	te := filepath.Join(dir, "repo", "te", "Echo__TE_000000000001_000")
	creat(t, filepath.Join(te, "kimspec.edn"), []byte(`{"species" ["Ar"] "matching-models" ["standard-models"] "kim-api-version" "2.0"}`))
	creat(t, filepath.Join(te, "pipeline.stdin.tpl"), []byte("@< MODELNAME >@\n"))
	creat(t, filepath.Join(te, "runner"), []byte(`#!/bin/sh
read model
printf '{"property-id" "tag:x:property/a" "instance-id" 1}' > output/results.edn
`))
	require.NoError(t, os.Chmod(filepath.Join(te, "runner"), 0o755))
	creat(t, filepath.Join(dir, "repo", "mo", "LJ__MO_000000000002_000", "kimspec.edn"),
		[]byte(`{"species" ["Ar"] "kim-api-version" "2.0"}`))
	creat(t, filepath.Join(dir, "repo", "mo", "Xe__MO_000000000003_000", "kimspec.edn"),
		[]byte(`{"species" ["Xe"] "kim-api-version" "2.0"}`))

	stdout := kimrun(t, dir, "match", "--all")
	require.Contains(t, stdout, "Echo__TE_000000000001_000\tLJ__MO_000000000002_000\tmatch\n")
	require.Contains(t, stdout, "Echo__TE_000000000001_000\tXe__MO_000000000003_000\tspecies\t")

	stdout = kimrun(t, dir, "run", "--all")
	require.Contains(t, stdout, "\ttr\tTE_000000000001_000-and-MO_000000000002_000-")
	require.Contains(t, stdout, "\tskipped\t")

	stdout = kimrun(t, dir, "latest", "TE_000000000001_000", "MO_000000000002_000")
	require.Contains(t, stdout, "TE_000000000001_000-and-MO_000000000002_000-")

	kimrun(t, dir, "drop", "--confirm", "yes")
	kimrun(t, dir, "insert")
	stdout = kimrun(t, dir, "latest", "TE_000000000001_000", "MO_000000000002_000")
	require.Contains(t, stdout, "-tr")

	kimrun(t, dir, "delete", "TE_000000000001_000")
}

func kimrun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, kimrunPath, append(args, "--config", filepath.Join(dir, "kimrun.yaml"))...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "HOME="+dir)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err, strings.Join(args, " "))
	}
	return stdout.String()
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
