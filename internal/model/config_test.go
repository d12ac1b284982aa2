package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/openkim/kimrun/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
pipeline:
  repository: /srv/openkim
  running: /tmp/running
  full_subdir_names: true
  profiler: []
  verify: false
  timeout: 90m
store:
  path: /srv/openkim/results.db
service:
  verbose: true
  parallelism: 4
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "/srv/openkim", cfg.Pipeline.Repository)
	require.Equal(t, "/tmp/running", cfg.Pipeline.Running)
	require.True(t, cfg.Pipeline.FullSubdirNames)
	require.Empty(t, cfg.Pipeline.Profiler)
	require.False(t, cfg.Pipeline.Verify)
	require.Equal(t, "/srv/openkim/results.db", cfg.Store.Path)
	require.True(t, cfg.Service.Verbose)
	require.Equal(t, 4, cfg.Service.Parallelism)
	require.Equal(t, model.LogStderr, cfg.Service.Log)

	d, err := cfg.Pipeline.JobTimeout()
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, d)
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig()
	require.Equal(t, 0, cfg.Version)
	require.Equal(t, ">= 2.0.0", cfg.Pipeline.MinAPIVersion)
	require.Equal(t, []string{"lammps", "asap"}, cfg.Pipeline.ASESimulators)
	require.Len(t, cfg.Pipeline.Profiler, 2)
	require.Equal(t, "/usr/bin/time", cfg.Pipeline.Profiler[0])
	require.Equal(t, "units", cfg.Pipeline.Units)
	require.True(t, cfg.Pipeline.Verify)
	require.Equal(t, 1, cfg.Service.Parallelism)

	d, err := cfg.Pipeline.JobTimeout()
	require.NoError(t, err)
	require.Zero(t, d)
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		yml      string
		path     string
	}{
		{"unknown field", "version: 0\npipeline:\n  nope: 1\n", "pipeline.nope"},
		{"parallelism bound", "version: 0\nservice:\n  parallelism: 0\n", "service.parallelism"},
		{"wrong version", "version: 2\n", "version"},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tt.yml))
			require.Error(t, err)
			require.ErrorContains(t, err, tt.path)
		})
	}
}

func TestHumanize(t *testing.T) {
	_, err := model.LoadConfig(strings.NewReader("version: 0\npipeline:\n  nope: 1\n"))
	require.Error(t, err)

	details := model.Humanize(err)
	require.NotEmpty(t, details)
	require.Equal(t, "pipeline.nope", details[0].Path)
	require.Equal(t, "unknown_field", details[0].Code)
	require.Equal(t, "Field nope is not allowed", details[0].Message)

	require.Nil(t, model.Humanize(nil))
}
