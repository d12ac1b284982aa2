// Package property inspects the property instances reported by a runner
// and validates them against CUE property definitions.
package property

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

const KeyPropertyID = "property-id"

var (
	ErrNoPropertyID    = errors.New("property instance has no property-id")
	ErrUnknownProperty = errors.New("unknown property definition")
	ErrInvalid         = errors.New("property instance does not match its definition")
	ErrFormat          = errors.New("results must be a map or a list of maps")
)

// Instances returns the property instances of a results document, which is
// either a single map or a list of maps.
func Instances(results any) ([]map[string]any, error) {
	switch x := results.(type) {
	case map[string]any:
		return []map[string]any{x}, nil
	case []any:
		out := make([]map[string]any, 0, len(x))
		for _, e := range x {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, ErrFormat
			}
			out = append(out, m)
		}
		return out, nil
	}
	return nil, ErrFormat
}

// IDs lists the distinct property ids of a results document in sorted order.
func IDs(results any) ([]string, error) {
	instances, err := Instances(results)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		id, ok := inst[KeyPropertyID].(string)
		if !ok || id == "" {
			return nil, ErrNoPropertyID
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// Name returns the last path segment of a property id, e.g. cohesive-energy
// for tag:staff@noreply.openkim.org,2014-04-15:property/cohesive-energy.
func Name(id string) string {
	if i := strings.LastIndexAny(id, "/:"); i >= 0 {
		return id[i+1:]
	}
	return id
}

// Validator checks instances against <dir>/<name>.cue definitions.
type Validator struct {
	dir string

	mx      sync.Mutex
	cueCtx  *cue.Context
	schemas map[string]cue.Value
}

func NewValidator(dir string) *Validator {
	return &Validator{
		dir:     dir,
		cueCtx:  cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
}

// Validate checks every instance of a results document, reporting all
// failures at once.
func (v *Validator) Validate(results any) error {
	instances, err := Instances(results)
	if err != nil {
		return err
	}
	var errs []error
	for i, inst := range instances {
		if err := v.validate(inst); err != nil {
			errs = append(errs, fmt.Errorf("instance %d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}

func (v *Validator) validate(inst map[string]any) error {
	id, ok := inst[KeyPropertyID].(string)
	if !ok || id == "" {
		return ErrNoPropertyID
	}

	v.mx.Lock()
	defer v.mx.Unlock()
	schema, err := v.schema(Name(id))
	if err != nil {
		return err
	}
	unified := schema.Unify(v.cueCtx.Encode(inst))
	if err := unified.Validate(cue.All(), cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalid, id, err)
	}
	return nil
}

func (v *Validator) schema(name string) (cue.Value, error) {
	if s, ok := v.schemas[name]; ok {
		return s, nil
	}
	path := filepath.Join(v.dir, name+".cue")
	src, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cue.Value{}, fmt.Errorf("%w: %s", ErrUnknownProperty, name)
	}
	if err != nil {
		return cue.Value{}, err
	}
	s := v.cueCtx.CompileBytes(src, cue.Filename(path))
	if s.Err() != nil {
		return cue.Value{}, fmt.Errorf("compiling %s: %w", path, s.Err())
	}
	v.schemas[name] = s
	return s, nil
}
