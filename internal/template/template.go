// Package template renders a runner's pipeline.stdin.tpl into the input
// fed to the runner.
//
// Expressions are delimited by @< and >@ so they never clash with the
// braces common in simulator input. Available functions:
//
//	MODELNAME, SUBJECTNAME   extended id of the subject
//	TESTNAME, VCNAME,
//	RUNNERNAME               extended id of the runner
//	path ID                  executable of a runner or driver, directory otherwise
//	stripversion ID          ID without its version
//	query JSON               result of a remote query, as JSON
//	convert V FROM TO        V converted between units
//	json V                   V rendered as JSON
package template

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/openkim/kimrun/internal/kim"
	"github.com/openkim/kimrun/internal/kimcode"
	"github.com/openkim/kimrun/internal/units"
)

const (
	LeftDelim  = "@<"
	RightDelim = ">@"
)

// Locator finds items on disk.
type Locator interface {
	Path(code kimcode.Code) (string, error)
}

type Querier interface {
	Query(ctx context.Context, params map[string]any) (any, error)
}

type Renderer struct {
	locator   Locator
	querier   Querier
	converter units.Converter
}

// NewRenderer returns a renderer, a nil querier or converter makes the
// corresponding template function fail when used.
func NewRenderer(locator Locator, querier Querier, converter units.Converter) Renderer {
	return Renderer{locator: locator, querier: querier, converter: converter}
}

// Render executes the template at tplPath for the pairing.
func (r Renderer) Render(ctx context.Context, tplPath string, runner, subject kim.Item) (string, error) {
	src, err := os.ReadFile(tplPath)
	if err != nil {
		return "", err
	}
	return r.RenderString(ctx, tplPath, string(src), runner, subject)
}

func (r Renderer) RenderString(ctx context.Context, name, src string, runner, subject kim.Item) (string, error) {
	tpl, err := template.New(name).
		Delims(LeftDelim, RightDelim).
		Option("missingkey=error").
		Funcs(r.funcs(ctx, runner, subject)).
		Parse(src)
	if err != nil {
		return "", fmt.Errorf("parsing template %s: %w", name, err)
	}
	var sb strings.Builder
	if err := tpl.Execute(&sb, nil); err != nil {
		return "", fmt.Errorf("rendering template %s: %w", name, err)
	}
	return sb.String(), nil
}

// RenderFile renders tplPath into out.
func (r Renderer) RenderFile(ctx context.Context, tplPath, out string, runner, subject kim.Item) error {
	s, err := r.Render(ctx, tplPath, runner, subject)
	if err != nil {
		return err
	}
	return os.WriteFile(out, []byte(s), 0o644)
}

func (r Renderer) funcs(ctx context.Context, runner, subject kim.Item) template.FuncMap {
	runnerName := func() string { return runner.Code().String() }
	subjectName := func() string { return subject.Code().String() }
	return template.FuncMap{
		"MODELNAME":   subjectName,
		"SUBJECTNAME": subjectName,
		"TESTNAME":    runnerName,
		"VCNAME":      runnerName,
		"RUNNERNAME":  runnerName,
		"path": func(id string) (string, error) {
			code, err := kimcode.Parse(id)
			if err != nil {
				return "", err
			}
			if r.locator == nil {
				return "", fmt.Errorf("no repository to locate %s", id)
			}
			return r.locator.Path(code)
		},
		"stripversion": kimcode.StripVersion,
		"query": func(params string) (string, error) {
			if r.querier == nil {
				return "", fmt.Errorf("query: no query service configured")
			}
			var p map[string]any
			if err := json.Unmarshal([]byte(params), &p); err != nil {
				return "", fmt.Errorf("query: parameters must be a JSON object: %w", err)
			}
			res, err := r.querier.Query(ctx, p)
			if err != nil {
				return "", err
			}
			b, err := json.Marshal(res)
			return string(b), err
		},
		"convert": func(value float64, from, to string) (float64, error) {
			if r.converter == nil {
				return 0, fmt.Errorf("convert: no unit converter configured")
			}
			v, _, err := r.converter.Convert(ctx, value, from, to)
			return v, err
		},
		"json": func(v any) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}
}
