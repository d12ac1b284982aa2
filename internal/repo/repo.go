// Package repo locates KIM items and outcomes in the local repository.
//
// Items live in <root>/<type subdir>/<extended id>, outcomes in
// <root>/<kind subdir>/<result id>. Subdirectories use the short type
// codes (te, mo, tr, ...) or, when configured, their full names.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/openkim/kimrun/internal/kim"
	"github.com/openkim/kimrun/internal/kimcode"
	"github.com/openkim/kimrun/internal/model"
)

var ErrItemMissing = errors.New("item not found in repository")

var fullNames = map[string]string{
	"te": "tests",
	"vc": "verification-checks",
	"mo": "models",
	"sm": "simulator-models",
	"td": "test-drivers",
	"md": "model-drivers",
	"tr": "test-results",
	"vr": "verification-results",
	"er": "errors",
}

type Repository struct {
	root string
	full bool
}

func New(root string, fullSubdirNames bool) Repository {
	return Repository{root: root, full: fullSubdirNames}
}

func FromConfig(cfg model.Pipeline) Repository {
	return New(cfg.Repository, cfg.FullSubdirNames)
}

func (r Repository) Root() string { return r.root }

func (r Repository) subdir(leader string) string {
	if r.full {
		return fullNames[leader]
	}
	return leader
}

// TypeDir is the directory holding all items of type t.
func (r Repository) TypeDir(t kimcode.Type) string {
	return filepath.Join(r.root, r.subdir(t.Leader()))
}

// KindDir is the directory holding all outcomes of kind k.
func (r Repository) KindDir(k kimcode.Kind) string {
	return filepath.Join(r.root, r.subdir(string(k)))
}

// Dir finds the directory of an item. Without a name the directory is
// looked up by suffix, without a version the highest version wins.
func (r Repository) Dir(code kimcode.Code) (string, error) {
	typeDir := r.TypeDir(code.Type)
	if code.Name != "" && code.Version != "" {
		dir := filepath.Join(typeDir, code.String())
		if _, err := os.Stat(dir); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrItemMissing, code, err)
		}
		return dir, nil
	}

	entries, err := os.ReadDir(typeDir)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrItemMissing, code, err)
	}
	var best kimcode.Code
	var found bool
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		c, err := kimcode.Parse(e.Name())
		if err != nil || c.Type != code.Type || c.Number != code.Number {
			continue
		}
		if code.Name != "" && c.Name != code.Name {
			continue
		}
		if code.Version != "" && c.Version != code.Version {
			continue
		}
		if !found || c.VersionInt() > best.VersionInt() {
			best, found = c, true
		}
	}
	if !found {
		return "", fmt.Errorf("%w: %s", ErrItemMissing, code)
	}
	return filepath.Join(typeDir, best.String()), nil
}

// Path returns the executable of runners and test drivers, the item
// directory otherwise.
func (r Repository) Path(code kimcode.Code) (string, error) {
	dir, err := r.Dir(code)
	if err != nil {
		return "", err
	}
	switch code.Type {
	case kimcode.Test, kimcode.VerificationCheck, kimcode.TestDriver:
		return filepath.Join(dir, kim.Executable), nil
	default:
		return dir, nil
	}
}

type driverUser interface {
	Driver() (kimcode.Code, bool)
	UseDriver(*kim.TestDriver)
}

// Load reads the descriptor of code from disk. A runner with a test
// driver inherits the driver's simulator.
func (r Repository) Load(code kimcode.Code) (kim.Item, error) {
	dir, err := r.Dir(code)
	if err != nil {
		return nil, err
	}
	item, err := kim.Load(dir)
	if err != nil {
		return nil, err
	}
	if du, ok := item.(driverUser); ok {
		if dc, ok := du.Driver(); ok {
			d, err := r.Load(dc)
			if err != nil {
				return nil, fmt.Errorf("loading test driver of %s: %w", code, err)
			}
			td, ok := d.(*kim.TestDriver)
			if !ok {
				return nil, fmt.Errorf("test driver %s of %s is a %s", dc, code, dc.Type)
			}
			du.UseDriver(td)
		}
	}
	return item, nil
}

func (r Repository) LoadRunner(code kimcode.Code) (kim.Runner, error) {
	item, err := r.Load(code)
	if err != nil {
		return nil, err
	}
	return kim.AsRunner(item)
}

func (r Repository) LoadSubject(code kimcode.Code) (kim.Subject, error) {
	item, err := r.Load(code)
	if err != nil {
		return nil, err
	}
	return kim.AsSubject(item)
}

// Codes lists the identifiers of all items of the given types. Entries
// whose names are not identifiers are ignored.
func (r Repository) Codes(types ...kimcode.Type) ([]kimcode.Code, error) {
	var codes []kimcode.Code
	for _, t := range types {
		entries, err := os.ReadDir(r.TypeDir(t))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			c, err := kimcode.Parse(e.Name())
			if err != nil || c.Type != t || !e.IsDir() {
				continue
			}
			codes = append(codes, c)
		}
	}
	slices.SortFunc(codes, func(a, b kimcode.Code) int {
		return strings.Compare(a.String(), b.String())
	})
	return codes, nil
}

// Runners loads every test and verification check. Items failing to load
// are logged and skipped.
func (r Repository) Runners(ctx context.Context) ([]kim.Runner, error) {
	codes, err := r.Codes(kimcode.Test, kimcode.VerificationCheck)
	if err != nil {
		return nil, err
	}
	runners := make([]kim.Runner, 0, len(codes))
	for _, c := range codes {
		runner, err := r.LoadRunner(c)
		if err != nil {
			slog.WarnContext(ctx, "skipping runner", "code", c.String(), "error", err)
			continue
		}
		runners = append(runners, runner)
	}
	return runners, nil
}

// Subjects loads every model and simulator model. Items failing to load
// are logged and skipped.
func (r Repository) Subjects(ctx context.Context) ([]kim.Subject, error) {
	codes, err := r.Codes(kimcode.Model, kimcode.SimulatorModel)
	if err != nil {
		return nil, err
	}
	subjects := make([]kim.Subject, 0, len(codes))
	for _, c := range codes {
		subject, err := r.LoadSubject(c)
		if err != nil {
			slog.WarnContext(ctx, "skipping subject", "code", c.String(), "error", err)
			continue
		}
		subjects = append(subjects, subject)
	}
	return subjects, nil
}

// ResultDir is where an outcome with the given result id is stored.
func (r Repository) ResultDir(resultID string) (string, error) {
	p, err := kimcode.ParsePair(resultID)
	if err != nil {
		return "", err
	}
	if p.Kind == kimcode.KindNone {
		return "", fmt.Errorf("%w: %q has no result kind", kimcode.ErrInvalid, resultID)
	}
	return filepath.Join(r.KindDir(p.Kind), resultID), nil
}

// Results lists the directories of all stored outcomes, sorted per kind.
func (r Repository) Results() ([]string, error) {
	var dirs []string
	for _, k := range []kimcode.Kind{kimcode.KindTestResult, kimcode.KindVerificationResult, kimcode.KindError} {
		kindDir := r.KindDir(k)
		entries, err := os.ReadDir(kindDir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(kindDir, e.Name()))
			}
		}
	}
	return dirs, nil
}
