package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openkim/kimrun/internal/compute"
	"github.com/openkim/kimrun/internal/kim"
	"github.com/openkim/kimrun/internal/kimcode"
	"github.com/openkim/kimrun/internal/log"
	"github.com/openkim/kimrun/internal/match"
	"github.com/openkim/kimrun/internal/query"
	"github.com/openkim/kimrun/internal/repo"
	"github.com/openkim/kimrun/internal/service"
	"github.com/openkim/kimrun/internal/store"
	"github.com/openkim/kimrun/internal/template"
	"github.com/openkim/kimrun/internal/units"

	"github.com/spf13/cobra"
)

var (
	flagAll     bool
	flagInPlace bool
	flagRebuild bool
	flagConfirm string
	flagMessage string
)

func init() {
	runCmd.Flags().BoolVar(&flagAll, "all", false, "pair every runner of the repository with every subject")
	runCmd.Flags().BoolVar(&flagInPlace, "in-place", false, "execute a single pair in the runner directory, nothing is relocated or recorded")
	matchCmd.Flags().BoolVar(&flagAll, "all", false, "evaluate every runner of the repository against every subject")
	latestCmd.Flags().BoolVar(&flagRebuild, "rebuild", false, "recompute the latest flag of every pair")
	dropCmd.Flags().StringVar(&flagConfirm, "confirm", "", "type '"+store.ConfirmDrop+"' to drop all outcomes")
	buildErrorCmd.Flags().StringVar(&flagMessage, "message", "build failed", "description of the build failure")
}

var runCmd = &cobra.Command{
	Use:   "run [RUNNER SUBJECT]...",
	Short: "run matches and executes the given pairs and records their outcomes",
	RunE:  doRun,
}

var matchCmd = &cobra.Command{
	Use:   "match [RUNNER SUBJECT]",
	Short: "match reports whether a runner and a subject are compatible",
	RunE:  doMatch,
}

var latestCmd = &cobra.Command{
	Use:   "latest [RUNNER SUBJECT]",
	Short: "latest prints the latest outcome of a pair",
	RunE:  doLatest,
}

var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "delete removes outcomes by result id, runner, subject or driver",
	Args:  cobra.ExactArgs(1),
	RunE:  doDelete,
}

var insertCmd = &cobra.Command{
	Use:   "insert [RESULT_DIR]...",
	Short: "insert loads result directories into the store, all of the repository by default",
	RunE:  doInsert,
}

var buildErrorCmd = &cobra.Command{
	Use:   "build-error RUNNER SUBJECT",
	Short: "build-error records a failed build of a pair as an error outcome",
	Args:  cobra.ExactArgs(2),
	RunE:  doBuildError,
}

var dropCmd = &cobra.Command{
	Use:   "drop",
	Short: "drop removes every outcome from the store",
	Args:  cobra.NoArgs,
	RunE:  doDrop,
}

func cmdContext(cmd *cobra.Command) context.Context {
	attrs := slog.Group("kimrun",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

// pipeline holds everything needed to execute pairs.
type pipeline struct {
	repo     repo.Repository
	matcher  match.Matcher
	store    *store.Store
	computer *compute.Computer
}

func openStore(ctx context.Context) (*store.Store, error) {
	s, err := store.Open(ctx, config.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", config.Store.Path, err)
	}
	return s, nil
}

func newPipeline(ctx context.Context) (pipeline, error) {
	r := repo.FromConfig(config.Pipeline)
	m, err := match.FromConfig(config.Pipeline)
	if err != nil {
		return pipeline{}, err
	}

	var querier template.Querier
	if config.Pipeline.QueryURL != "" {
		client, err := query.NewClient(config.Pipeline.QueryURL)
		if err != nil {
			return pipeline{}, err
		}
		querier = client
	}
	converter := units.NewCLI(config.Pipeline.Units)
	renderer := template.NewRenderer(r, querier, converter)

	c, err := compute.NewComputer(config.Pipeline, r, renderer, converter)
	if err != nil {
		return pipeline{}, err
	}
	s, err := openStore(ctx)
	if err != nil {
		return pipeline{}, err
	}
	return pipeline{repo: r, matcher: m, store: s, computer: c.WithRecorder(s)}, nil
}

func (p pipeline) Close() {
	if err := p.store.Close(); err != nil {
		slog.Error("closing store", "error", err)
	}
}

func parsePairs(args []string) ([]service.Pair, error) {
	if len(args)%2 != 0 {
		return nil, errors.New("expected pairs of RUNNER SUBJECT arguments")
	}
	pairs := make([]service.Pair, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		runner, err := kimcode.Parse(args[i])
		if err != nil {
			return nil, err
		}
		subject, err := kimcode.Parse(args[i+1])
		if err != nil {
			return nil, err
		}
		if !runner.Type.IsRunner() || !subject.Type.IsSubject() {
			return nil, fmt.Errorf("%s and %s are not a runner and a subject", runner, subject)
		}
		pairs = append(pairs, service.Pair{Runner: runner, Subject: subject})
	}
	return pairs, nil
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	p, err := newPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	pairs, err := parsePairs(args)
	if err != nil {
		return err
	}

	if flagInPlace {
		if len(pairs) != 1 {
			return errors.New("--in-place runs exactly one pair")
		}
		return runInPlace(ctx, cmd, p, pairs[0])
	}

	sup := service.NewSupervisor(config, p.repo, p.matcher, p.computer)
	if flagAll {
		all, err := sup.AllPairs(ctx)
		if err != nil {
			return err
		}
		pairs = append(pairs, all...)
	}
	if len(pairs) == 0 {
		return errors.New("nothing to run, pass RUNNER SUBJECT pairs or --all")
	}

	reports, err := sup.Run(ctx, pairs)
	var failed int
	for _, r := range reports {
		switch {
		case r.Err != nil:
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "%s\terror\t%v\n", r.Pair, r.Err)
		case r.Skipped:
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tskipped\t%s\n", r.Pair, r.Match.Reason)
		case r.Outcome.Kind == kimcode.KindNone:
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tnot run\n", r.Pair)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", r.Pair, r.Outcome.Kind, r.Outcome.UUID)
		}
	}
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d pairs failed", failed, len(reports))
	}
	return nil
}

func runInPlace(ctx context.Context, cmd *cobra.Command, p pipeline, pair service.Pair) error {
	runner, err := p.repo.LoadRunner(pair.Runner)
	if err != nil {
		return err
	}
	subject, err := p.repo.LoadSubject(pair.Subject)
	if err != nil {
		return err
	}
	job := compute.NewJob(runner, subject, "")
	job.Verbose = config.Service.Verbose
	job.Verify = config.Pipeline.Verify
	outcome, err := p.computer.Run(ctx, job)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", pair, outcome.Kind, job.Path)
	return nil
}

func doMatch(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	r := repo.FromConfig(config.Pipeline)
	m, err := match.FromConfig(config.Pipeline)
	if err != nil {
		return err
	}

	var verdicts []match.Verdict
	switch {
	case flagAll:
		runners, err := r.Runners(ctx)
		if err != nil {
			return err
		}
		subjects, err := r.Subjects(ctx)
		if err != nil {
			return err
		}
		verdicts, err = m.Classify(ctx, runners, subjects)
		if err != nil {
			return err
		}
	case len(args) == 2:
		pairs, err := parsePairs(args)
		if err != nil {
			return err
		}
		runner, err := r.LoadRunner(pairs[0].Runner)
		if err != nil {
			return err
		}
		subject, err := r.LoadSubject(pairs[0].Subject)
		if err != nil {
			return err
		}
		verdicts = append(verdicts, match.Verdict{Runner: runner.Code(), Subject: subject.Code(), Result: m.Evaluate(runner, subject)})
	default:
		return errors.New("expected RUNNER SUBJECT or --all")
	}

	for _, v := range verdicts {
		if v.Compatible {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tmatch\n", v.Runner, v.Subject)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", v.Runner, v.Subject, v.Stage, v.Reason)
	}
	return nil
}

func doLatest(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()

	if flagRebuild {
		failed, err := s.RebuildLatest(ctx)
		if err != nil {
			return err
		}
		if failed > 0 {
			slog.WarnContext(ctx, "some pairs could not be rebuilt", "failed", failed)
		}
		return nil
	}

	pairs, err := parsePairs(args)
	if err != nil {
		return err
	}
	if len(pairs) != 1 {
		return errors.New("expected RUNNER SUBJECT or --rebuild")
	}
	o, err := s.Latest(ctx, pairs[0].Runner.Number, pairs[0].Subject.Number)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), o.String())
	return nil
}

func doDelete(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()

	n, err := s.Delete(ctx, args[0])
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "outcomes deleted", "id", args[0], "count", n)
	return nil
}

func doInsert(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	r := repo.FromConfig(config.Pipeline)
	dirs := args
	if len(dirs) == 0 {
		var err error
		dirs, err = r.Results()
		if err != nil {
			return err
		}
	}

	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()

	start := time.Now()
	n, err := s.InsertResults(ctx, dirs, drivers(ctx, r))
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "results inserted", "inserted", n, "found", len(dirs), "elapsed", time.Since(start).String())
	return nil
}

// drivers resolves the driver of an item from the repository.
func drivers(ctx context.Context, r repo.Repository) store.DriverFunc {
	return func(code kimcode.Code) string {
		item, err := r.Load(code)
		if err != nil {
			slog.DebugContext(ctx, "driver not resolved", "item", code.String(), "error", err)
			return ""
		}
		hd, ok := item.(kim.HasDriver)
		if !ok {
			return ""
		}
		d, ok := hd.Driver()
		if !ok {
			return ""
		}
		return d.String()
	}
}

func doBuildError(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	p, err := newPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	pairs, err := parsePairs(args)
	if err != nil {
		return err
	}
	runner, err := p.repo.LoadRunner(pairs[0].Runner)
	if err != nil {
		return err
	}
	subject, err := p.repo.LoadSubject(pairs[0].Subject)
	if err != nil {
		return err
	}
	if !makeable(runner) && !makeable(subject) {
		return fmt.Errorf("neither %s nor %s is built before use", runner.Code(), subject.Code())
	}

	resultCode := kimcode.NewPair(runner.Code(), subject.Code(), time.Now(), kimcode.KindNone).JobID()
	job := compute.NewJob(runner, subject, resultCode)
	outcome, err := p.computer.PackageBuildError(ctx, job, errors.New(flagMessage))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), outcome.UUID)
	return nil
}

func makeable(item kim.Item) bool {
	m, ok := item.(kim.Makeable)
	return ok && m.Makeable()
}

func doDrop(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()
	return s.Drop(ctx, flagConfirm)
}
