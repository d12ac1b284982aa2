package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openkim/kimrun/internal/document"
	"github.com/openkim/kimrun/internal/kim"
	"github.com/openkim/kimrun/internal/kimcode"
)

const (
	ResultsFile      = "results.edn"
	PipelineSpecFile = "pipelinespec.edn"
	ExceptionFile    = "pipeline.exception"
)

// DriverFunc returns the driver id of an item, or "" when it has none.
type DriverFunc func(code kimcode.Code) string

// ReadOutcome builds an outcome from a finalized result directory whose
// name is the result id. ErrDataMissing is returned when the kimspec.edn
// does not name the runner or the subject.
func ReadOutcome(dir string, drivers DriverFunc) (Outcome, error) {
	id := filepath.Base(dir)
	pair, err := kimcode.ParsePair(id)
	if err != nil {
		return Outcome{}, err
	}
	if pair.Kind == kimcode.KindNone {
		return Outcome{}, fmt.Errorf("%w: %q has no result kind", kimcode.ErrInvalid, id)
	}

	specPath := filepath.Join(dir, kim.SpecFile)
	spec, err := document.ReadMap(specPath)
	if err != nil {
		return Outcome{}, err
	}
	runner, err := specCode(spec, kimcode.VerificationCheck, kimcode.Test)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: no runner in %s of %s", ErrDataMissing, kim.SpecFile, id)
	}
	subject, err := specCode(spec, kimcode.Model, kimcode.SimulatorModel)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: no subject in %s of %s", ErrDataMissing, kim.SpecFile, id)
	}

	o := Outcome{
		UUID:    id,
		Kind:    pair.Kind,
		Runner:  runner,
		Subject: subject,
	}
	if drivers != nil {
		o.RunnerDriver = drivers(runner)
		o.SubjectDriver = drivers(subject)
	}

	pipePath := filepath.Join(dir, PipelineSpecFile)
	if pipespec, err := document.ReadMap(pipePath); err == nil {
		if prof, ok := pipespec[kim.KeyProfile].(map[string]any); ok {
			o.Profiling = prof
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Outcome{}, err
	}
	o.CreatedAt = createdAt(o.Profiling, specPath)

	switch pair.Kind {
	case kimcode.KindError:
		b, err := os.ReadFile(filepath.Join(dir, ExceptionFile))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Outcome{}, err
		}
		o.ErrorText = string(b)
	default:
		pd, err := document.Read(filepath.Join(dir, ResultsFile))
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: %w", ErrDataMissing, err)
		}
		o.PropertyData = pd
	}
	return o, nil
}

func specCode(spec map[string]any, types ...kimcode.Type) (kimcode.Code, error) {
	for _, t := range types {
		if s, ok := document.String(spec, kim.TypeName(t)); ok {
			return kimcode.Parse(s)
		}
	}
	return kimcode.Code{}, ErrDataMissing
}

func createdAt(profiling map[string]any, path string) time.Time {
	switch v := profiling["created-at"].(type) {
	case int64:
		return time.Unix(v, 0)
	case float64:
		return time.Unix(int64(v), 0)
	}
	if fi, err := os.Stat(path); err == nil {
		return fi.ModTime()
	}
	return time.Now()
}

// InsertResults inserts the outcomes stored in dirs. Directories which
// cannot be read are logged and skipped, the number of inserted outcomes
// is returned.
func (s *Store) InsertResults(ctx context.Context, dirs []string, drivers DriverFunc) (int, error) {
	var n int
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		o, err := ReadOutcome(dir, drivers)
		if err != nil {
			slog.WarnContext(ctx, "could not read outcome: skipping", "path", dir, "error", err)
			continue
		}
		if err := s.Insert(ctx, o); err != nil {
			return n, fmt.Errorf("inserting %s: %w", o.UUID, err)
		}
		n++
	}
	return n, nil
}
