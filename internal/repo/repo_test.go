package repo_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openkim/kimrun/internal/kim"
	"github.com/openkim/kimrun/internal/kimcode"
	"github.com/openkim/kimrun/internal/repo"
	"github.com/stretchr/testify/require"
)

func item(t *testing.T, root, subdir, id, spec string) {
	t.Helper()
	dir := filepath.Join(root, subdir, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, kim.SpecFile), []byte(spec), 0o644))
}

func fixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	item(t, root, "te", "Lattice_Ar__TE_000000000001_000", `{"species" ["Ar"]
 "matching-models" ["standard-models"]
 "kim-api-version" "2.0"
 "test-driver" "Drv__TD_000000000009_000"}`)
	item(t, root, "td", "Drv__TD_000000000009_000", `{"simulator-name" "LAMMPS"}`)
	item(t, root, "mo", "LJ_Ar__MO_000000000002_000", `{"species" ["Ar"] "kim-api-version" "2.0"}`)
	item(t, root, "mo", "LJ_Ar__MO_000000000002_001", `{"species" ["Ar"] "kim-api-version" "2.1"}`)
	item(t, root, "mo", "Broken__MO_000000000003_000", `{"species" ["Ar"]}`)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "mo", "not-an-id"), 0o755))
	return root
}

func TestDir(t *testing.T) {
	t.Parallel()
	root := fixture(t)
	r := repo.New(root, false)

	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"extended", "LJ_Ar__MO_000000000002_000", "LJ_Ar__MO_000000000002_000"},
		{"short", "MO_000000000002_000", "LJ_Ar__MO_000000000002_000"},
		{"no version picks highest", "MO_000000000002", "LJ_Ar__MO_000000000002_001"},
		{"name without version", "LJ_Ar__MO_000000000002", "LJ_Ar__MO_000000000002_001"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			dir, err := r.Dir(kimcode.MustParse(tt.given))
			require.NoError(t, err)
			require.Equal(t, filepath.Join(root, "mo", tt.then), dir)
		})
	}

	_, err := r.Dir(kimcode.MustParse("MO_000000000099_000"))
	require.ErrorIs(t, err, repo.ErrItemMissing)
	_, err = r.Dir(kimcode.MustParse("X__MO_000000000002_000"))
	require.ErrorIs(t, err, repo.ErrItemMissing)
}

func TestPath(t *testing.T) {
	t.Parallel()
	root := fixture(t)
	r := repo.New(root, false)

	p, err := r.Path(kimcode.MustParse("TD_000000000009_000"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "td", "Drv__TD_000000000009_000", kim.Executable), p)

	p, err = r.Path(kimcode.MustParse("MO_000000000002_000"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "mo", "LJ_Ar__MO_000000000002_000"), p)
}

func TestLoad(t *testing.T) {
	t.Parallel()
	root := fixture(t)
	r := repo.New(root, false)

	runner, err := r.LoadRunner(kimcode.MustParse("TE_000000000001_000"))
	require.NoError(t, err)
	sim, ok := runner.Simulator()
	require.True(t, ok)
	require.Equal(t, "LAMMPS", sim)

	_, err = r.LoadSubject(kimcode.MustParse("TE_000000000001_000"))
	require.Error(t, err)

	_, err = r.LoadSubject(kimcode.MustParse("MO_000000000003_000"))
	require.ErrorIs(t, err, kim.ErrMetadataKeyMissing)
}

func TestRunnersSubjects(t *testing.T) {
	t.Parallel()
	root := fixture(t)
	r := repo.New(root, false)

	runners, err := r.Runners(t.Context())
	require.NoError(t, err)
	require.Len(t, runners, 1)

	subjects, err := r.Subjects(t.Context())
	require.NoError(t, err)
	require.Len(t, subjects, 2)
	require.Equal(t, "LJ_Ar__MO_000000000002_000", subjects[0].Code().String())
	require.Equal(t, "LJ_Ar__MO_000000000002_001", subjects[1].Code().String())
}

func TestResults(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	r := repo.New(root, true)

	id := "TE_000000000001_000-and-MO_000000000002_000-1700000000-er"
	dir, err := r.ResultDir(id)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "errors", id), dir)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	_, err = r.ResultDir("TE_000000000001_000-and-MO_000000000002_000-1700000000")
	require.ErrorIs(t, err, kimcode.ErrInvalid)

	dirs, err := r.Results()
	require.NoError(t, err)
	require.Equal(t, []string{dir}, dirs)

	require.Equal(t, filepath.Join(root, "test-results"), r.KindDir(kimcode.KindTestResult))
	require.Equal(t, filepath.Join(root, "simulator-models"), r.TypeDir(kimcode.SimulatorModel))
}
