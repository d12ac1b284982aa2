// Package document reads and writes EDN documents as plain Go values:
// maps become map[string]any, vectors and lists become []any.
package document

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"olympos.io/encoding/edn"
)

var (
	ErrNotMap = errors.New("document is not a map")
)

// Decode parses a single EDN value.
func Decode(b []byte) (any, error) {
	var v any
	if err := edn.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return Normalize(v), nil
}

// Read decodes the EDN file at path.
func Read(path string) (any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return v, nil
}

// ReadMap decodes the EDN file at path, which must hold a map.
func ReadMap(path string) (map[string]any, error) {
	v, err := Read(path)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNotMap)
	}
	return m, nil
}

// Encode renders v as indented EDN.
func Encode(v any) ([]byte, error) {
	return edn.MarshalIndent(v, "", "  ")
}

// Write stores v at path as EDN.
func Write(path string, v any) error {
	b, err := Encode(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return os.WriteFile(path, b, 0o644)
}

// Normalize converts decoded EDN values into JSON-like Go values. Keywords
// and symbols used as keys lose their prefix, sets become sorted lists.
func Normalize(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[key(k)] = Normalize(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Normalize(val)
		}
		return out
	case map[any]bool:
		out := make([]any, 0, len(x))
		for k := range x {
			out = append(out, Normalize(k))
		}
		sort.Slice(out, func(i, j int) bool { return fmt.Sprint(out[i]) < fmt.Sprint(out[j]) })
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Normalize(val)
		}
		return out
	case edn.Keyword:
		return string(x)
	case edn.Symbol:
		return string(x)
	case edn.Tag:
		return Normalize(x.Value)
	default:
		return v
	}
}

func key(k any) string {
	switch x := k.(type) {
	case string:
		return x
	case edn.Keyword:
		return string(x)
	case edn.Symbol:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

// String returns the string stored under key.
func String(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// Strings returns the list of strings stored under key. A single string is
// treated as a one element list.
func Strings(m map[string]any, key string) ([]string, bool) {
	switch x := m[key].(type) {
	case string:
		return []string{x}, true
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case []string:
		return x, true
	}
	return nil, false
}
