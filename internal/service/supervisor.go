package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openkim/kimrun/internal/compute"
	"github.com/openkim/kimrun/internal/kim"
	"github.com/openkim/kimrun/internal/kimcode"
	"github.com/openkim/kimrun/internal/log"
	"github.com/openkim/kimrun/internal/match"
	"github.com/openkim/kimrun/internal/model"
	"github.com/openkim/kimrun/internal/repo"
	"github.com/openkim/kimrun/internal/store"
)

// Pair selects a runner and a subject to be evaluated together.
type Pair struct {
	Runner  kimcode.Code
	Subject kimcode.Code
}

func (p Pair) String() string {
	return p.Runner.String() + "-and-" + p.Subject.String()
}

// Report describes what happened to a single pair.
type Report struct {
	Pair    Pair
	Match   match.Result
	Outcome store.Outcome
	// Skipped is set for species mismatches, which leave no trace.
	Skipped bool
	Err     error
}

type Supervisor struct {
	repo     repo.Repository
	matcher  match.Matcher
	computer *compute.Computer
	limit    int
	verbose  bool
	verify   bool
	now      func() time.Time
}

func NewSupervisor(cfg model.Config, r repo.Repository, m match.Matcher, c *compute.Computer) *Supervisor {
	limit := cfg.Service.Parallelism
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	return &Supervisor{
		repo:     r,
		matcher:  m,
		computer: c,
		limit:    limit,
		verbose:  cfg.Service.Verbose,
		verify:   cfg.Pipeline.Verify,
		now:      time.Now,
	}
}

// WithClock replaces the time source used for job ids.
// This method exists for a unit testing only.
func (s *Supervisor) WithClock(now func() time.Time) *Supervisor {
	s.now = now
	return s
}

// AllPairs pairs every loadable runner of the repository with every
// loadable subject.
func (s *Supervisor) AllPairs(ctx context.Context) ([]Pair, error) {
	runners, err := s.repo.Runners(ctx)
	if err != nil {
		return nil, err
	}
	subjects, err := s.repo.Subjects(ctx)
	if err != nil {
		return nil, err
	}
	pairs := make([]Pair, 0, len(runners)*len(subjects))
	for _, r := range runners {
		for _, sub := range subjects {
			pairs = append(pairs, Pair{Runner: r.Code(), Subject: sub.Code()})
		}
	}
	return pairs, nil
}

type task struct {
	idx     int
	pair    Pair
	runner  kim.Runner
	subject kim.Subject
}

// Run evaluates pairs and executes the compatible ones, at most limit at a
// time. Runners listed as dependencies of other runners in the same batch
// are executed in an earlier wave. A report is returned for every pair, in
// order. The error is non-nil only when ctx was cancelled, a pair aborted
// by its own timeout is reported and the batch carries on.
func (s *Supervisor) Run(ctx context.Context, pairs []Pair) ([]Report, error) {
	reports := make([]Report, len(pairs))
	tasks := make([]task, 0, len(pairs))
	for i, p := range pairs {
		reports[i].Pair = p
		runner, err := s.repo.LoadRunner(p.Runner)
		if err != nil {
			reports[i].Err = fmt.Errorf("loading runner %s: %w", p.Runner, err)
			continue
		}
		subject, err := s.repo.LoadSubject(p.Subject)
		if err != nil {
			reports[i].Err = fmt.Errorf("loading subject %s: %w", p.Subject, err)
			continue
		}
		tasks = append(tasks, task{idx: i, pair: p, runner: runner, subject: subject})
	}

	var mx sync.Mutex
	for n, wave := range waves(ctx, tasks) {
		slog.DebugContext(ctx, "starting wave", "wave", n, "jobs", len(wave))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.limit)
		for _, t := range wave {
			g.Go(func() error {
				r := s.runPair(gctx, t)
				mx.Lock()
				reports[t.idx] = r
				mx.Unlock()
				// a job timeout is a failure of that pair only
				if errors.Is(r.Err, compute.ErrAbort) && ctx.Err() != nil {
					return r.Err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return reports, err
		}
	}
	return reports, ctx.Err()
}

func (s *Supervisor) runPair(ctx context.Context, t task) Report {
	report := Report{Pair: t.pair}
	if err := ctx.Err(); err != nil {
		report.Err = fmt.Errorf("%w: %w", compute.ErrAbort, err)
		return report
	}

	resultCode := kimcode.NewPair(t.runner.Code(), t.subject.Code(), s.now(), kimcode.KindNone).JobID()
	ctx = log.ContextAttrs(ctx, log.Job(t.pair.Runner.String(), t.pair.Subject.String(), resultCode))

	report.Match = s.matcher.Evaluate(t.runner, t.subject)
	job := compute.NewJob(t.runner, t.subject, resultCode)
	job.Verbose = s.verbose
	job.Verify = s.verify

	if !report.Match.Compatible {
		if report.Match.Stage == match.StageSpecies {
			slog.DebugContext(ctx, "skipping pair", "reason", report.Match.Reason)
			report.Skipped = true
			return report
		}
		slog.InfoContext(ctx, "pair does not match", "stage", report.Match.Stage.String(), "reason", report.Match.Reason)
		report.Outcome, report.Err = s.computer.PackageMismatch(ctx, job, report.Match.Reason)
		return report
	}

	slog.InfoContext(ctx, "running pair")
	report.Outcome, report.Err = s.computer.Run(ctx, job)
	if report.Err != nil {
		slog.ErrorContext(ctx, "pair failed", "error", report.Err)
		return report
	}
	slog.InfoContext(ctx, "pair finished", "outcome", report.Outcome.UUID, "kind", string(report.Outcome.Kind))
	return report
}

type dependent interface {
	Dependencies() ([]string, error)
}

// waves orders tasks so that runners named as a dependency run before
// the runners depending on them. Dependency cycles are broken by placing
// the remaining tasks into a final wave.
func waves(ctx context.Context, tasks []task) [][]task {
	present := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		present[t.pair.Runner.Number] = true
	}

	deps := make(map[string][]string)
	for _, t := range tasks {
		num := t.pair.Runner.Number
		if _, seen := deps[num]; seen {
			continue
		}
		deps[num] = nil
		dr, ok := t.runner.(dependent)
		if !ok {
			continue
		}
		names, err := dr.Dependencies()
		if err != nil {
			slog.WarnContext(ctx, "ignoring dependencies", "runner", t.pair.Runner.String(), "error", err)
			continue
		}
		for _, name := range names {
			code, err := kimcode.Parse(name)
			if err != nil {
				slog.WarnContext(ctx, "ignoring dependency", "runner", t.pair.Runner.String(), "dependency", name, "error", err)
				continue
			}
			if code.Number != num && present[code.Number] {
				deps[num] = append(deps[num], code.Number)
			}
		}
	}

	level := make(map[string]int, len(deps))
	remaining := make([]string, 0, len(deps))
	for num := range deps {
		remaining = append(remaining, num)
	}
	slices.Sort(remaining)
	for wave := 0; len(remaining) > 0; wave++ {
		var next, ready []string
		for _, num := range remaining {
			if satisfied(deps[num], level, wave) {
				ready = append(ready, num)
			} else {
				next = append(next, num)
			}
		}
		if len(ready) == 0 {
			slog.WarnContext(ctx, "dependency cycle", "runners", next)
			ready, next = next, nil
		}
		for _, num := range ready {
			level[num] = wave
		}
		remaining = next
	}

	var out [][]task
	for _, t := range tasks {
		l := level[t.pair.Runner.Number]
		for len(out) <= l {
			out = append(out, nil)
		}
		out[l] = append(out[l], t)
	}
	return out
}

func satisfied(deps []string, level map[string]int, wave int) bool {
	for _, d := range deps {
		l, ok := level[d]
		if !ok || l >= wave {
			return false
		}
	}
	return true
}
