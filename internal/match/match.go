// Package match decides whether a runner may be executed against a subject.
//
// Evaluation runs four stages in a fixed order and stops at the first
// failure, whose reason is reported:
//
//  1. species   - every species of a test is supported by the subject
//  2. version   - both KIM API versions are acceptable and supported
//  3. matching  - matching-models of the runner against the subject kind
//  4. simulator - simulator names agree (simulator models only)
package match

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/openkim/kimrun/internal/kim"
	"github.com/openkim/kimrun/internal/kimcode"
	"github.com/openkim/kimrun/internal/model"
)

const (
	StandardModels = "standard-models"
	PortableModels = "portable-models"
	ASE            = "ase"
)

type Stage int

const (
	StageNone Stage = iota
	StageSpecies
	StageVersion
	StageMatchingModels
	StageSimulator
)

func (s Stage) String() string {
	switch s {
	case StageSpecies:
		return "species"
	case StageVersion:
		return "version"
	case StageMatchingModels:
		return "matching-models"
	case StageSimulator:
		return "simulator"
	default:
		return "none"
	}
}

// Result of a single evaluation. Reason and Stage are empty when Compatible.
type Result struct {
	Compatible bool
	Reason     string
	Stage      Stage
}

func ok() Result {
	return Result{Compatible: true}
}

func mismatch(stage Stage, format string, args ...any) Result {
	return Result{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

type Matcher struct {
	minimum   kim.Specifier
	supported kim.Specifier
	ase       []string
}

// New returns a matcher. minimum is the specifier both sides must satisfy to
// be compatible with each other, supported the versions this installation
// runs, ase the simulators reachable through ASE.
func New(minimum, supported string, ase []string) (Matcher, error) {
	minSpec, err := kim.ParseSpecifier(minimum)
	if err != nil {
		return Matcher{}, fmt.Errorf("minimum KIM API version: %w", err)
	}
	supSpec, err := kim.ParseSpecifier(supported)
	if err != nil {
		return Matcher{}, fmt.Errorf("supported KIM API versions: %w", err)
	}
	lower := make([]string, len(ase))
	for i, s := range ase {
		lower[i] = strings.ToLower(s)
	}
	return Matcher{minimum: minSpec, supported: supSpec, ase: lower}, nil
}

func FromConfig(cfg model.Pipeline) (Matcher, error) {
	return New(cfg.MinAPIVersion, cfg.SupportedAPIVersions, cfg.ASESimulators)
}

// Evaluate is pure: it performs no I/O and never fails.
func (m Matcher) Evaluate(runner kim.Runner, subject kim.Subject) Result {
	if runner.Code().Type != kimcode.VerificationCheck {
		if r := species(runner, subject); !r.Compatible {
			return r
		}
	}
	if r := m.version(runner, subject); !r.Compatible {
		return r
	}
	if r := matchingModels(runner, subject); !r.Compatible {
		return r
	}
	if sm, isSM := subject.(*kim.SimulatorModel); isSM {
		return m.simulator(runner, sm)
	}
	return ok()
}

func species(runner kim.Runner, subject kim.Subject) Result {
	hs, isHS := runner.(kim.HasSpecies)
	if !isHS {
		return ok()
	}
	supported := make([]string, 0, len(subject.Species()))
	for _, s := range subject.Species() {
		supported = append(supported, strings.ToLower(s))
	}
	for _, s := range hs.Species() {
		s = strings.ToLower(s)
		if !slices.Contains(supported, s) {
			return mismatch(StageSpecies,
				"Species %s listed in %s file of %s could not be found in the %s file of %s",
				cases.Title(language.Und).String(s), kim.SpecFile, runner.Code(), kim.SpecFile, subject.Code())
		}
	}
	return ok()
}

func (m Matcher) version(runner kim.Runner, subject kim.Subject) Result {
	rv, sv := runner.APIVersion(), subject.APIVersion()
	rok, _ := m.minimum.Contains(rv)
	sok, _ := m.minimum.Contains(sv)
	if !rok || !sok {
		return mismatch(StageVersion,
			"KIM API version %s of %s is incompatible with KIM API version %s of %s",
			rv, runner.Code(), sv, subject.Code())
	}
	if in, _ := m.supported.Contains(rv); !in {
		return mismatch(StageVersion, "KIM API version %s of %s is not currently supported", rv, runner.Code())
	}
	if in, _ := m.supported.Contains(sv); !in {
		return mismatch(StageVersion, "KIM API version %s of %s is not currently supported", sv, subject.Code())
	}
	return ok()
}

func matchingModels(runner kim.Runner, subject kim.Subject) Result {
	patterns := runner.MatchingModels()
	sm, isSM := subject.(*kim.SimulatorModel)

	if slices.Equal(patterns, []string{StandardModels}) {
		if !isSM || sm.RunCompatibility() == PortableModels {
			return ok()
		}
		return mismatch(StageMatchingModels,
			"Runner %s lists 'matching-models' ['%s'] but subject %s lists 'run-compatibility' '%s'",
			runner.Code(), StandardModels, subject.Code(), sm.RunCompatibility())
	}

	if !isSM {
		return mismatch(StageMatchingModels,
			"Subject %s is a portable model and 'matching-models' of runner %s is not ['%s']",
			subject.Code(), runner.Code(), StandardModels)
	}
	if Hierarchical(patterns, sm.Potential()) {
		return ok()
	}
	return mismatch(StageMatchingModels,
		"SM simulator-potential '%s' not found under any patterns in %v", sm.Potential(), patterns)
}

// Hierarchical reports whether potential is listed in patterns, either
// literally or under a pattern ending with "/".
func Hierarchical(patterns []string, potential string) bool {
	for _, p := range patterns {
		if p == potential {
			return true
		}
		if strings.HasSuffix(p, "/") && strings.HasPrefix(potential, p) {
			return true
		}
	}
	return false
}

func (m Matcher) simulator(runner kim.Runner, subject *kim.SimulatorModel) Result {
	rs, has := runner.Simulator()
	ss, _ := subject.Simulator()
	if !has {
		return mismatch(StageSimulator,
			"Runner %s lists no simulator, incompatible with simulator %s of %s",
			runner.Code(), ss, subject.Code())
	}
	rs, ss = strings.ToLower(rs), strings.ToLower(ss)
	if rs == ASE {
		if slices.Contains(m.ase, ss) {
			return ok()
		}
		return mismatch(StageSimulator,
			"Simulator %s of %s is incompatible with simulator %s of %s. Simulators currently compatible with ASE: %v.",
			rs, runner.Code(), ss, subject.Code(), m.ase)
	}
	if rs == ss {
		return ok()
	}
	return mismatch(StageSimulator,
		"Simulator %s of %s is incompatible with simulator %s of %s",
		rs, runner.Code(), ss, subject.Code())
}

// Verdict is the result of one evaluated pair.
type Verdict struct {
	Runner  kimcode.Code
	Subject kimcode.Code
	Result
}

// Classify evaluates every runner against every subject.
func (m Matcher) Classify(ctx context.Context, runners []kim.Runner, subjects []kim.Subject) ([]Verdict, error) {
	out := make([]Verdict, 0, len(runners)*len(subjects))
	for _, r := range runners {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		for _, s := range subjects {
			out = append(out, Verdict{
				Runner:  r.Code(),
				Subject: s.Code(),
				Result:  m.Evaluate(r, s),
			})
		}
	}
	return out, nil
}
