package kim

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

var ErrUnsupportedAPIVersion = errors.New("unsupported KIM API version")

// Specifier is a comma separated set of version clauses, e.g. ">= 2.0.0, < 3".
// A version satisfies the specifier when it satisfies every clause.
type Specifier struct {
	text    string
	clauses []clause
}

type clause struct {
	op      string
	version string
	upper   string // exclusive bound of ~=
}

var ops = []string{"~=", ">=", "<=", "==", "!=", ">", "<"}

func ParseSpecifier(text string) (Specifier, error) {
	s := Specifier{text: strings.TrimSpace(text)}
	for part := range strings.SplitSeq(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var c clause
		for _, op := range ops {
			if strings.HasPrefix(part, op) {
				c.op = op
				break
			}
		}
		if c.op == "" {
			return Specifier{}, fmt.Errorf("version clause %q has no operator", part)
		}
		raw := strings.TrimSpace(part[len(c.op):])
		v, ok := canonical(raw)
		if !ok {
			return Specifier{}, fmt.Errorf("version clause %q: invalid version", part)
		}
		c.version = v
		if c.op == "~=" {
			if c.upper, ok = compatibleUpper(raw); !ok {
				return Specifier{}, fmt.Errorf("version clause %q: ~= needs at least two components", part)
			}
		}
		s.clauses = append(s.clauses, c)
	}
	if len(s.clauses) == 0 {
		return Specifier{}, fmt.Errorf("empty version specifier %q", text)
	}
	return s, nil
}

func MustParseSpecifier(text string) Specifier {
	s, err := ParseSpecifier(text)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Specifier) String() string {
	return s.text
}

// Contains reports whether version satisfies every clause. A malformed
// version fails with ErrUnsupportedAPIVersion.
func (s Specifier) Contains(version string) (bool, error) {
	v, ok := canonical(version)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnsupportedAPIVersion, version)
	}
	for _, c := range s.clauses {
		if !c.match(v) {
			return false, nil
		}
	}
	return true, nil
}

func (c clause) match(v string) bool {
	cmp := semver.Compare(v, c.version)
	switch c.op {
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	case "~=":
		return cmp >= 0 && semver.Compare(v, c.upper) < 0
	}
	return false
}

// compatibleUpper drops the last release component of version and bumps
// the one before it: 2.2.0 gives 2.3, 2.2 gives 3.
func compatibleUpper(version string) (string, bool) {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if i := strings.IndexAny(version, "-+"); i >= 0 {
		version = version[:i]
	}
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return "", false
	}
	parts = parts[:len(parts)-1]
	n, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return "", false
	}
	parts[len(parts)-1] = strconv.Itoa(n + 1)
	return canonical(strings.Join(parts, "."))
}

func canonical(version string) (string, bool) {
	version = strings.TrimSpace(version)
	if version == "" {
		return "", false
	}
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	if !semver.IsValid(version) {
		return "", false
	}
	return semver.Canonical(version), true
}
