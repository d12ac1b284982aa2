package kim_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openkim/kimrun/internal/kim"
	"github.com/openkim/kimrun/internal/kimcode"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	test := map[string]any{
		"species":         []any{"Ar"},
		"matching-models": []any{"standard-models"},
		"kim-api-version": "2.2",
		"test-driver":     "Drv__TD_000000000010_001",
	}
	item, err := kim.New(kimcode.MustParse("T__TE_000000000001_000"), "/repo/te/T__TE_000000000001_000", test)
	require.NoError(t, err)
	runner, err := kim.AsRunner(item)
	require.NoError(t, err)
	require.Equal(t, kimcode.KindTestResult, runner.ResultKind())
	require.Equal(t, "/repo/te/T__TE_000000000001_000/runner", runner.Executable())
	_, ok := runner.Simulator()
	require.False(t, ok)
	drv, ok := item.(kim.HasDriver).Driver()
	require.True(t, ok)
	require.Equal(t, "000000000010", drv.Number)
	require.True(t, item.(kim.Makeable).Makeable())

	_, err = kim.AsSubject(item)
	require.Error(t, err)

	vc, err := kim.New(kimcode.MustParse("V__VC_000000000002_000"), "", map[string]any{
		"matching-models": []any{"standard-models"},
		"kim-api-version": "2.0",
	})
	require.NoError(t, err)
	runner, err = kim.AsRunner(vc)
	require.NoError(t, err)
	require.Equal(t, kimcode.KindVerificationResult, runner.ResultKind())
}

func TestNew_MissingKey(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		code     string
		spec     map[string]any
		key      string
	}{
		{
			"test without species",
			"TE_000000000001_000",
			map[string]any{"matching-models": []any{"standard-models"}, "kim-api-version": "2.0"},
			"species",
		},
		{
			"test without matching-models",
			"TE_000000000001_000",
			map[string]any{"species": []any{"Ar"}, "kim-api-version": "2.0"},
			"matching-models",
		},
		{
			"model without kim-api-version",
			"MO_000000000001_000",
			map[string]any{"species": []any{"Ar"}},
			"kim-api-version",
		},
		{
			"simulator model without run-compatibility",
			"SM_000000000001_000",
			map[string]any{
				"species":             []any{"Ar"},
				"simulator-name":      "LAMMPS",
				"simulator-potential": "lj/cut",
				"kim-api-version":     "2.0",
			},
			"run-compatibility",
		},
		{
			"simulator model without simulator-name",
			"SM_000000000001_000",
			map[string]any{"species": []any{"Ar"}},
			"simulator-name",
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := kim.New(kimcode.MustParse(tt.code), "", tt.spec)
			require.ErrorIs(t, err, kim.ErrMetadataKeyMissing)
			var mk *kim.MissingKeyError
			require.ErrorAs(t, err, &mk)
			require.Equal(t, tt.key, mk.Key)
			require.Equal(t, tt.code, mk.Item)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "Sim__SM_000000000003_001")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	spec := `{"species" ["Ar" "Ne"]
 "simulator-name" "LAMMPS"
 "simulator-potential" "lj/cut"
 "run-compatibility" "portable-models"
 "kim-api-version" "2.1"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, kim.SpecFile), []byte(spec), 0o644))

	item, err := kim.Load(dir)
	require.NoError(t, err)
	sm, ok := item.(*kim.SimulatorModel)
	require.True(t, ok)
	require.Equal(t, []string{"Ar", "Ne"}, sm.Species())
	require.Equal(t, "portable-models", sm.RunCompatibility())
	require.Equal(t, "lj/cut", sm.Potential())
	require.False(t, sm.Makeable())
	sim, ok := sm.Simulator()
	require.True(t, ok)
	require.Equal(t, "LAMMPS", sim)

	_, err = kim.Load(t.TempDir())
	require.ErrorIs(t, err, kimcode.ErrInvalid)
}

func TestUseDriver(t *testing.T) {
	t.Parallel()
	item, err := kim.New(kimcode.MustParse("TE_000000000001_000"), "", map[string]any{
		"species":         []any{"Ar"},
		"matching-models": []any{"standard-models"},
		"kim-api-version": "2.0",
		"simulator-name":  "lammps",
	})
	require.NoError(t, err)
	drv, err := kim.New(kimcode.MustParse("TD_000000000002_000"), "", map[string]any{
		"simulator-name": "ase",
	})
	require.NoError(t, err)

	test := item.(*kim.Test)
	test.UseDriver(drv.(*kim.TestDriver))
	sim, ok := test.Simulator()
	require.True(t, ok)
	require.Equal(t, "ase", sim)
}

func TestDependencies(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "TE_000000000001_000")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, kim.SpecFile),
		[]byte(`{"species" ["Ar"] "matching-models" ["standard-models"] "kim-api-version" "2.0"}`), 0o644))

	item, err := kim.Load(dir)
	require.NoError(t, err)
	test := item.(*kim.Test)

	deps, err := test.Dependencies()
	require.NoError(t, err)
	require.Empty(t, deps)

	require.NoError(t, os.WriteFile(filepath.Join(dir, kim.DependencyFile), []byte(`["TE_000000000005"]`), 0o644))
	deps, err = test.Dependencies()
	require.NoError(t, err)
	require.Equal(t, []string{"TE_000000000005"}, deps)

	require.NoError(t, os.WriteFile(filepath.Join(dir, kim.DependencyFile), []byte(`[1]`), 0o644))
	_, err = test.Dependencies()
	require.Error(t, err)
}

func TestResultKeys(t *testing.T) {
	t.Parallel()
	require.Equal(t, "test", kim.TypeName(kimcode.Test))
	require.Equal(t, "verification-check", kim.TypeName(kimcode.VerificationCheck))
	require.Equal(t, "simulator-model", kim.TypeName(kimcode.SimulatorModel))

	var testCases = []struct {
		scenario string
		given    kimcode.Kind
		then     string
	}{
		{"test result", kimcode.KindTestResult, "test-result-id"},
		{"verification result", kimcode.KindVerificationResult, "verification-result-id"},
		{"error", kimcode.KindError, "error-result-id"},
		{"no kind", kimcode.KindNone, ""},
	}
	for _, tt := range testCases {
		require.Equal(t, tt.then, kim.ResultIDKey(tt.given), tt.scenario)
	}
}
