// Package kimcode parses, formats and validates KIM item identifiers and
// the pairing identifiers derived from them.
//
// An item identifier has the form
//
//	[Name__]TT_NNNNNNNNNNNN[_VVV]
//
// where TT is one of the item type codes, N is a 12 digit number and V a
// 3 digit version. A pairing identifier joins two short identifiers with
// a timestamp and an optional result kind:
//
//	TE_000000000001_000-and-MO_000000000002_000-1700000000[-tr]
package kimcode

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalid  = errors.New("invalid identifier")
	ErrContract = errors.New("identifier requires type and number")
)

// Type is the two-letter item type code.
type Type string

const (
	Test              Type = "TE"
	VerificationCheck Type = "VC"
	Model             Type = "MO"
	SimulatorModel    Type = "SM"
	TestDriver        Type = "TD"
	ModelDriver       Type = "MD"
)

var types = map[Type]string{
	Test:              "te",
	VerificationCheck: "vc",
	Model:             "mo",
	SimulatorModel:    "sm",
	TestDriver:        "td",
	ModelDriver:       "md",
}

func (t Type) Valid() bool {
	_, ok := types[t]
	return ok
}

// Leader returns the lower case form used for repository directories.
func (t Type) Leader() string {
	return types[t]
}

// IsRunner reports whether items of this type are executed against subjects.
func (t Type) IsRunner() bool {
	return t == Test || t == VerificationCheck
}

// IsSubject reports whether items of this type are evaluated by runners.
func (t Type) IsSubject() bool {
	return t == Model || t == SimulatorModel
}

// Kind is the outcome kind carried as a pairing id suffix.
type Kind string

const (
	KindNone               Kind = ""
	KindTestResult         Kind = "tr"
	KindVerificationResult Kind = "vr"
	KindError              Kind = "er"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTestResult, KindVerificationResult, KindError:
		return true
	}
	return false
}

// ResultKind returns the successful outcome kind produced by a runner type.
func ResultKind(t Type) Kind {
	if t == VerificationCheck {
		return KindVerificationResult
	}
	return KindTestResult
}

const (
	reShort = `([A-Z]{2})_([0-9]{12})_([0-9]{3})`
)

var (
	reCode = regexp.MustCompile(`^(?:([_a-zA-Z][_a-zA-Z0-9]*?)__)?([A-Z]{2})_([0-9]{12})(?:_([0-9]{3}))?$`)
	reName = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)
	rePair = regexp.MustCompile(`^` + reShort + `-and-` + reShort + `-([0-9]{5,})(?:-(tr|vr|er))?$`)
)

// Code is a parsed item identifier. Name and Version may be empty.
type Code struct {
	Name    string
	Type    Type
	Number  string
	Version string
}

// Parse decomposes an item identifier.
func Parse(text string) (Code, error) {
	m := reCode.FindStringSubmatch(text)
	if m == nil {
		return Code{}, fmt.Errorf("%w: %q", ErrInvalid, text)
	}
	c := Code{Name: m[1], Type: Type(m[2]), Number: m[3], Version: m[4]}
	if !c.Type.Valid() {
		return Code{}, fmt.Errorf("%w: unknown type %q in %q", ErrInvalid, m[2], text)
	}
	return c, nil
}

// MustParse is like Parse but panics on malformed input.
func MustParse(text string) Code {
	c, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the canonical extended form.
func (c Code) String() string {
	s, err := Format(c.Name, c.Type, c.Number, c.Version)
	if err != nil {
		return ""
	}
	return s
}

// Short returns TT_NNNNNNNNNNNN_VVV (or TT_NNNNNNNNNNNN without a version).
func (c Code) Short() string {
	return Code{Type: c.Type, Number: c.Number, Version: c.Version}.String()
}

// Lineage returns the identifier without its version.
func (c Code) Lineage() Code {
	c.Version = ""
	return c
}

func (c Code) IsZero() bool {
	return c == Code{}
}

func (c Code) VersionInt() int {
	v, err := strconv.Atoi(c.Version)
	if err != nil {
		return -1
	}
	return v
}

// Format builds an identifier, zero padding number and version.
func Format(name string, typ Type, number, version string) (string, error) {
	if typ == "" || number == "" {
		return "", ErrContract
	}
	if !typ.Valid() {
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalid, typ)
	}
	if name != "" && !reName.MatchString(name) {
		return "", fmt.Errorf("%w: name %q", ErrInvalid, name)
	}
	n, err := pad(number, 12)
	if err != nil {
		return "", fmt.Errorf("%w: number %q", ErrInvalid, number)
	}
	var sb strings.Builder
	if name != "" {
		sb.WriteString(name)
		sb.WriteString("__")
	}
	sb.WriteString(string(typ))
	sb.WriteByte('_')
	sb.WriteString(n)
	if version != "" {
		v, err := pad(version, 3)
		if err != nil {
			return "", fmt.Errorf("%w: version %q", ErrInvalid, version)
		}
		sb.WriteByte('_')
		sb.WriteString(v)
	}
	return sb.String(), nil
}

func pad(digits string, width int) (string, error) {
	if digits == "" || len(digits) > width {
		return "", ErrInvalid
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", ErrInvalid
		}
	}
	return strings.Repeat("0", width-len(digits)) + digits, nil
}

// StripVersion returns name__TT_NNNNNNNNNNNN, or TT_NNNNNNNNNNNN for a short id.
func StripVersion(text string) (string, error) {
	c, err := Parse(text)
	if err != nil {
		return "", err
	}
	return c.Lineage().String(), nil
}

// StripName returns TT_NNNNNNNNNNNN_VVV.
func StripName(text string) (string, error) {
	c, err := Parse(text)
	if err != nil {
		return "", err
	}
	return c.Short(), nil
}

// IsExtended reports whether text is an identifier carrying a name.
func IsExtended(text string) bool {
	c, err := Parse(text)
	return err == nil && c.Name != ""
}

// Pair is a parsed pairing identifier.
type Pair struct {
	Runner    Code
	Subject   Code
	Timestamp string
	Kind      Kind
}

// ParsePair decomposes a job id or, with a kind suffix, a result id.
func ParsePair(text string) (Pair, error) {
	m := rePair.FindStringSubmatch(text)
	if m == nil {
		return Pair{}, fmt.Errorf("%w: %q", ErrInvalid, text)
	}
	p := Pair{
		Runner:    Code{Type: Type(m[1]), Number: m[2], Version: m[3]},
		Subject:   Code{Type: Type(m[4]), Number: m[5], Version: m[6]},
		Timestamp: m[7],
		Kind:      Kind(m[8]),
	}
	if !p.Runner.Type.Valid() || !p.Subject.Type.Valid() {
		return Pair{}, fmt.Errorf("%w: unknown type in %q", ErrInvalid, text)
	}
	return p, nil
}

// JobID is the pairing id without a kind.
func (p Pair) JobID() string {
	return p.Runner.Short() + "-and-" + p.Subject.Short() + "-" + p.Timestamp
}

func (p Pair) String() string {
	if p.Kind == KindNone {
		return p.JobID()
	}
	return p.JobID() + "-" + string(p.Kind)
}

// NewPair builds a pairing id stamped with t.
func NewPair(runner, subject Code, t time.Time, kind Kind) Pair {
	return Pair{
		Runner:    runner,
		Subject:   subject,
		Timestamp: fmt.Sprintf("%05d", t.Unix()),
		Kind:      kind,
	}
}

// IsPair reports whether text is a job id or result id.
func IsPair(text string) bool {
	return rePair.MatchString(text)
}

// IsResultID reports whether text is a pairing id carrying a kind.
func IsResultID(text string) bool {
	p, err := ParsePair(text)
	return err == nil && p.Kind != KindNone
}

// Parsed holds the outcome of ParseAny, exactly one of Code and Pair is set.
type Parsed struct {
	Code *Code
	Pair *Pair
}

// ParseAny accepts either an item identifier or a pairing identifier.
func ParseAny(text string) (Parsed, error) {
	if c, err := Parse(text); err == nil {
		return Parsed{Code: &c}, nil
	}
	if p, err := ParsePair(text); err == nil {
		return Parsed{Pair: &p}, nil
	}
	return Parsed{}, fmt.Errorf("%w: %q", ErrInvalid, text)
}
