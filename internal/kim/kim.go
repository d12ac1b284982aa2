// Package kim holds the typed descriptors of KIM items. A descriptor is
// built from the item's kimspec.edn and is validated eagerly: a missing
// required key fails construction instead of surfacing later.
package kim

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openkim/kimrun/internal/document"
	"github.com/openkim/kimrun/internal/kimcode"
)

const (
	SpecFile       = "kimspec.edn"
	Executable     = "runner"
	TemplateFile   = "pipeline.stdin.tpl"
	DependencyFile = "dependencies.edn"
)

const (
	KeySpecies            = "species"
	KeySimulatorName      = "simulator-name"
	KeySimulatorPotential = "simulator-potential"
	KeyRunCompatibility   = "run-compatibility"
	KeyMatchingModels     = "matching-models"
	KeyAPIVersion         = "kim-api-version"
	KeyTestDriver         = "test-driver"
	KeyModelDriver        = "model-driver"
)

// Keys of the kimspec.edn written for an outcome.
const (
	KeyDomain   = "domain"
	Domain      = "openkim.org"
	KeyErrorCat = "error-category"
	KeyProfile  = "profiling"
)

var typeNames = map[kimcode.Type]string{
	kimcode.Test:              "test",
	kimcode.VerificationCheck: "verification-check",
	kimcode.Model:             "model",
	kimcode.SimulatorModel:    "simulator-model",
	kimcode.TestDriver:        "test-driver",
	kimcode.ModelDriver:       "model-driver",
}

// TypeName is the key under which an outcome records an item of type t.
func TypeName(t kimcode.Type) string {
	return typeNames[t]
}

// ResultIDKey is the key under which an outcome records its own id.
func ResultIDKey(k kimcode.Kind) string {
	switch k {
	case kimcode.KindTestResult:
		return "test-result-id"
	case kimcode.KindVerificationResult:
		return "verification-result-id"
	case kimcode.KindError:
		return "error-result-id"
	}
	return ""
}

var (
	ErrMetadataKeyMissing = errors.New("metadata key missing")
	ErrUnknownType        = errors.New("unknown item type")
)

// MissingKeyError names the item and the one key absent from its kimspec.edn.
type MissingKeyError struct {
	Item string
	Key  string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("required key '%s' not found in %s file of %s", e.Key, SpecFile, e.Item)
}

func (e *MissingKeyError) Is(target error) bool {
	return target == ErrMetadataKeyMissing
}

// Item is any KIM item on disk.
type Item interface {
	Code() kimcode.Code
	Path() string
	Spec() map[string]any
}

type HasSpecies interface {
	Species() []string
}

// HasSimulator is implemented by items which may name a simulator. The
// boolean is false when no simulator is known.
type HasSimulator interface {
	Simulator() (string, bool)
}

type HasDriver interface {
	Driver() (kimcode.Code, bool)
}

// Makeable is implemented by items compiled before use.
type Makeable interface {
	Makeable() bool
}

// Runner is the executable side of a pairing.
type Runner interface {
	Item
	HasSimulator
	MatchingModels() []string
	APIVersion() string
	Executable() string
	Template() string
	ResultKind() kimcode.Kind
}

// Subject is the side a runner is evaluated against.
type Subject interface {
	Item
	HasSpecies
	APIVersion() string
}

type base struct {
	code kimcode.Code
	path string
	spec map[string]any
}

func (b base) Code() kimcode.Code { return b.code }
func (b base) Path() string { return b.path }
func (b base) Spec() map[string]any { return b.spec }

func (b base) str(key string) (string, error) {
	s, ok := document.String(b.spec, key)
	if !ok || s == "" {
		return "", &MissingKeyError{Item: b.code.String(), Key: key}
	}
	return s, nil
}

func (b base) strs(key string) ([]string, error) {
	s, ok := document.Strings(b.spec, key)
	if !ok || len(s) == 0 {
		return nil, &MissingKeyError{Item: b.code.String(), Key: key}
	}
	return s, nil
}

func (b base) optCode(key string) (*kimcode.Code, error) {
	s, ok := document.String(b.spec, key)
	if !ok || s == "" {
		return nil, nil
	}
	c, err := kimcode.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%s of %s: %w", key, b.code, err)
	}
	return &c, nil
}

// New builds the descriptor matching the type of code.
func New(code kimcode.Code, path string, spec map[string]any) (Item, error) {
	b := base{code: code, path: path, spec: spec}
	switch code.Type {
	case kimcode.Test:
		return newTest(b)
	case kimcode.VerificationCheck:
		t, err := newTest(b)
		if err != nil {
			return nil, err
		}
		return &VerificationCheck{Test: *t}, nil
	case kimcode.Model:
		return newModel(b)
	case kimcode.SimulatorModel:
		return newSimulatorModel(b)
	case kimcode.TestDriver:
		return newTestDriver(b)
	case kimcode.ModelDriver:
		return &ModelDriver{base: b}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, code.Type)
	}
}

// Load reads the descriptor stored in dir. The directory name must be the
// item identifier.
func Load(dir string) (Item, error) {
	code, err := kimcode.Parse(filepath.Base(dir))
	if err != nil {
		return nil, err
	}
	spec, err := document.ReadMap(filepath.Join(dir, SpecFile))
	if err != nil {
		return nil, fmt.Errorf("reading %s of %s: %w", SpecFile, code, err)
	}
	return New(code, dir, spec)
}

// Test is a runner producing test results.
type Test struct {
	base
	species   []string
	matching  []string
	api       string
	simulator string
	driver    *kimcode.Code
}

func newTest(b base) (*Test, error) {
	t := &Test{base: b}
	var err error
	if b.code.Type == kimcode.Test {
		if t.species, err = b.strs(KeySpecies); err != nil {
			return nil, err
		}
	} else {
		t.species, _ = document.Strings(b.spec, KeySpecies)
	}
	if t.matching, err = b.strs(KeyMatchingModels); err != nil {
		return nil, err
	}
	if t.api, err = b.str(KeyAPIVersion); err != nil {
		return nil, err
	}
	t.simulator, _ = document.String(b.spec, KeySimulatorName)
	if t.driver, err = b.optCode(KeyTestDriver); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Test) Species() []string { return t.species }
func (t *Test) MatchingModels() []string { return t.matching }
func (t *Test) APIVersion() string { return t.api }
func (t *Test) Makeable() bool { return true }
func (t *Test) Executable() string { return filepath.Join(t.path, Executable) }
func (t *Test) Template() string { return filepath.Join(t.path, TemplateFile) }
func (t *Test) ResultKind() kimcode.Kind { return kimcode.KindTestResult }
func (t *Test) Simulator() (string, bool) { return t.simulator, t.simulator != "" }
func (t *Test) Driver() (kimcode.Code, bool) { return deref(t.driver) }

// UseDriver takes the simulator from the test driver, which overrides any
// simulator-name of the test itself.
func (t *Test) UseDriver(d *TestDriver) {
	if s, ok := d.Simulator(); ok {
		t.simulator = s
	}
}

// Dependencies lists the runners named in the optional dependencies.edn.
func (t *Test) Dependencies() ([]string, error) {
	path := filepath.Join(t.path, DependencyFile)
	v, err := document.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	deps, ok := document.Strings(map[string]any{"d": v}, "d")
	if !ok {
		return nil, fmt.Errorf("%s of %s must be a list of strings", DependencyFile, t.code)
	}
	return deps, nil
}

// VerificationCheck is a runner producing verification results. Its
// species are informational only.
type VerificationCheck struct {
	Test
}

func (v *VerificationCheck) ResultKind() kimcode.Kind { return kimcode.KindVerificationResult }

// Model is a portable model.
type Model struct {
	base
	species []string
	api     string
	driver  *kimcode.Code
}

func newModel(b base) (*Model, error) {
	m := &Model{base: b}
	var err error
	if m.species, err = b.strs(KeySpecies); err != nil {
		return nil, err
	}
	if m.api, err = b.str(KeyAPIVersion); err != nil {
		return nil, err
	}
	if m.driver, err = b.optCode(KeyModelDriver); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) Species() []string { return m.species }
func (m *Model) APIVersion() string { return m.api }
func (m *Model) Makeable() bool { return true }
func (m *Model) Driver() (kimcode.Code, bool) { return deref(m.driver) }

// SimulatorModel is a model bound to a specific simulator.
type SimulatorModel struct {
	base
	species          []string
	api              string
	simulator        string
	potential        string
	runCompatibility string
}

func newSimulatorModel(b base) (*SimulatorModel, error) {
	m := &SimulatorModel{base: b}
	var err error
	if m.species, err = b.strs(KeySpecies); err != nil {
		return nil, err
	}
	if m.simulator, err = b.str(KeySimulatorName); err != nil {
		return nil, err
	}
	if m.potential, err = b.str(KeySimulatorPotential); err != nil {
		return nil, err
	}
	if m.runCompatibility, err = b.str(KeyRunCompatibility); err != nil {
		return nil, err
	}
	if m.api, err = b.str(KeyAPIVersion); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SimulatorModel) Species() []string { return m.species }
func (m *SimulatorModel) APIVersion() string { return m.api }
func (m *SimulatorModel) Simulator() (string, bool) { return m.simulator, true }
func (m *SimulatorModel) Potential() string { return m.potential }
func (m *SimulatorModel) RunCompatibility() string { return m.runCompatibility }
func (m *SimulatorModel) Makeable() bool { return false }

// TestDriver provides the executable shared by several tests.
type TestDriver struct {
	base
	simulator string
}

func newTestDriver(b base) (*TestDriver, error) {
	d := &TestDriver{base: b}
	d.simulator, _ = document.String(b.spec, KeySimulatorName)
	return d, nil
}

func (d *TestDriver) Simulator() (string, bool) { return d.simulator, d.simulator != "" }
func (d *TestDriver) Makeable() bool { return true }

type ModelDriver struct {
	base
}

func (d *ModelDriver) Makeable() bool { return true }

func deref(c *kimcode.Code) (kimcode.Code, bool) {
	if c == nil {
		return kimcode.Code{}, false
	}
	return *c, true
}

// AsRunner asserts that item can be executed against subjects.
func AsRunner(item Item) (Runner, error) {
	r, ok := item.(Runner)
	if !ok {
		return nil, fmt.Errorf("%s is not a runner", item.Code())
	}
	return r, nil
}

// AsSubject asserts that item can be evaluated by runners.
func AsSubject(item Item) (Subject, error) {
	s, ok := item.(Subject)
	if !ok || !item.Code().Type.IsSubject() {
		return nil, fmt.Errorf("%s is not a subject", item.Code())
	}
	return s, nil
}
