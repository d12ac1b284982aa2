package compute

import (
	"context"
	"log/slog"

	"github.com/openkim/kimrun/internal/kim"
	"github.com/openkim/kimrun/internal/kimcode"
)

type State int

const (
	Staged State = iota
	Executing
	Validating
	Finalizing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Staged:
		return "staged"
	case Executing:
		return "executing"
	case Validating:
		return "validating"
	case Finalizing:
		return "finalizing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Job is a single pairing of a runner with a subject. The fields after
// Extra are written by Computer only.
type Job struct {
	Runner  kim.Runner
	Subject kim.Subject
	// ResultCode is the job id. Without one the runner executes in its
	// own directory and nothing is relocated.
	ResultCode string
	Verbose    bool
	Verify     bool
	// Extra is merged into the profiling information.
	Extra map[string]any

	State State
	// Runtime in seconds, -1 when the runner was never executed.
	Runtime    float64
	ExitCode   int
	Profiling  map[string]any
	Kind       kimcode.Kind
	Properties []string
	// Path of the finalized output.
	Path string

	results any
}

// NewJob prepares a job for runner and subject.
func NewJob(runner kim.Runner, subject kim.Subject, resultCode string) *Job {
	return &Job{
		Runner:     runner,
		Subject:    subject,
		ResultCode: resultCode,
		Runtime:    -1,
		ExitCode:   -1,
	}
}

func (j *Job) transition(ctx context.Context, s State) {
	slog.DebugContext(ctx, "job state changed", "from", j.State.String(), "to", s.String())
	j.State = s
}

func (j *Job) reset() {
	j.State = Staged
	j.Runtime = -1
	j.ExitCode = -1
	j.Profiling = nil
	j.Kind = kimcode.KindNone
	j.Properties = nil
	j.Path = ""
	j.results = nil
}
