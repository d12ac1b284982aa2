package template_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/openkim/kimrun/internal/kim"
	"github.com/openkim/kimrun/internal/kimcode"
	"github.com/openkim/kimrun/internal/template"
	"github.com/stretchr/testify/require"
)

type locator map[string]string

func (l locator) Path(code kimcode.Code) (string, error) {
	p, ok := l[code.Short()]
	if !ok {
		return "", errors.New("not found")
	}
	return p, nil
}

type querier struct {
	got map[string]any
}

func (q *querier) Query(_ context.Context, params map[string]any) (any, error) {
	q.got = params
	return []any{3.52}, nil
}

type scale struct{}

func (scale) Convert(_ context.Context, value float64, _, _ string) (float64, string, error) {
	return value * 10, "x", nil
}

func pair(t *testing.T) (kim.Item, kim.Item) {
	t.Helper()
	runner, err := kim.New(kimcode.MustParse("LatticeConstant_fcc_Ar__TE_000000000001_000"), "", map[string]any{
		"species":         []any{"Ar"},
		"matching-models": []any{"standard-models"},
		"kim-api-version": "2.0",
	})
	require.NoError(t, err)
	subject, err := kim.New(kimcode.MustParse("LJ_Ar__MO_000000000002_001"), "", map[string]any{
		"species":         []any{"Ar"},
		"kim-api-version": "2.0",
	})
	require.NoError(t, err)
	return runner, subject
}

func TestRender(t *testing.T) {
	t.Parallel()
	runner, subject := pair(t)
	q := &querier{}
	r := template.NewRenderer(
		locator{"TD_000000000009_000": "/repo/td/Drv__TD_000000000009_000/runner"},
		q,
		scale{},
	)

	src := `@< MODELNAME >@
@< TESTNAME >@ @< RUNNERNAME >@ @< SUBJECTNAME >@
@< path "Drv__TD_000000000009_000" >@
@< stripversion MODELNAME >@
@< query "{\"flat\": \"on\", \"database\": \"data\"}" >@
@< convert 1.5 "angstrom" "nm" >@
@< json (stripversion "X__MO_000000000002_001") >@
{ "braces": "untouched" }
`
	out, err := r.RenderString(t.Context(), "inline", src, runner, subject)
	require.NoError(t, err)
	require.Equal(t, `LJ_Ar__MO_000000000002_001
LatticeConstant_fcc_Ar__TE_000000000001_000 LatticeConstant_fcc_Ar__TE_000000000001_000 LJ_Ar__MO_000000000002_001
/repo/td/Drv__TD_000000000009_000/runner
LJ_Ar__MO_000000000002
[3.52]
15
"X__MO_000000000002"
{ "braces": "untouched" }
`, out)
	require.Equal(t, map[string]any{"flat": "on", "database": "data"}, q.got)
}

func TestRender_Errors(t *testing.T) {
	t.Parallel()
	runner, subject := pair(t)
	r := template.NewRenderer(nil, nil, nil)

	for _, src := range []string{
		`@< path "bad" >@`,
		`@< path "TE_000000000001_000" >@`,
		`@< query "{}" >@`,
		`@< convert 1.0 "a" "b" >@`,
		`@< nosuchfunc >@`,
	} {
		_, err := r.RenderString(t.Context(), "inline", src, runner, subject)
		require.Error(t, err, src)
	}
}

func TestRenderFile(t *testing.T) {
	t.Parallel()
	runner, subject := pair(t)
	dir := t.TempDir()
	tpl := filepath.Join(dir, kim.TemplateFile)
	require.NoError(t, os.WriteFile(tpl, []byte("@< MODELNAME >@\n"), 0o644))

	out := filepath.Join(dir, "pipeline.stdin")
	r := template.NewRenderer(nil, nil, nil)
	require.NoError(t, r.RenderFile(t.Context(), tpl, out, runner, subject))
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "LJ_Ar__MO_000000000002_001\n", string(b))

	_, err = r.Render(t.Context(), filepath.Join(dir, "missing"), runner, subject)
	require.ErrorIs(t, err, os.ErrNotExist)
}
