// Package units adds SI values to property instances through the GNU
// units program.
package units

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var ErrConversion = errors.New("unit conversion failed")

const (
	Dimensionless = "1"

	keySourceValue = "source-value"
	keySourceUnit  = "source-unit"
	keySIValue     = "si-value"
	keySIUnit      = "si-unit"

	// lists longer than this are converted through a linear fit
	fitThreshold = 20
	fitSamples   = 20
	fitTolerance = 1e-7
)

var temperatureFunctions = []string{"degC", "tempC", "degF", "tempF"}

var reOutput = regexp.MustCompile(`^([-+]?(?:\d+(?:\.\d*)?|\.\d+)(?:[eE][-+]?\d+)?)(?: (.+))?`)

// Converter converts value from one unit to another. An empty to converts
// to SI and returns the SI unit.
type Converter interface {
	Convert(ctx context.Context, value float64, from, to string) (float64, string, error)
}

// CLI runs the units binary once per conversion.
type CLI struct {
	Binary string
}

func NewCLI(binary string) CLI {
	if binary == "" {
		binary = "units"
	}
	return CLI{Binary: binary}
}

func (c CLI) Convert(ctx context.Context, value float64, from, to string) (float64, string, error) {
	negative := value < 0
	v := strconv.FormatFloat(math.Abs(value), 'g', -1, 64)

	var expr string
	if slices.Contains(temperatureFunctions, from) {
		expr = from + "(" + v + ")"
	} else {
		expr = v + " " + from
	}
	args := []string{"-o", "%1.15e", "-qt1", expr}
	if to != "" {
		args = append(args, to)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		tag := to
		if tag == "" {
			tag = "SI"
		}
		return 0, "", fmt.Errorf("%w: %s %s to %s: %w: %s", ErrConversion, v, from, tag, err, strings.TrimSpace(stderr.String()))
	}
	return parse(stdout.String(), to, negative)
}

func parse(output, to string, negative bool) (float64, string, error) {
	output = strings.TrimSpace(output)
	m := reOutput.FindStringSubmatch(output)
	if m == nil {
		return 0, "", fmt.Errorf("%w: unexpected output %q", ErrConversion, output)
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrConversion, err)
	}
	if negative {
		f = -f
	}
	unit := m[2]
	if unit == "" {
		unit = to
	}
	return f, unit, nil
}

// ConvertList converts a scalar or an arbitrarily nested list of numbers. An
// empty to converts to SI. It returns the converted value and target unit.
func ConvertList(ctx context.Context, c Converter, value any, from, to string) (any, string, error) {
	if from == Dimensionless {
		to = Dimensionless
	}
	if to == "" {
		_, si, err := c.Convert(ctx, 1.0, from, "")
		if err != nil {
			return nil, "", err
		}
		to = si
	}

	conv := func(x float64) (float64, error) {
		if to == Dimensionless {
			return x, nil
		}
		f, _, err := c.Convert(ctx, x, from, to)
		return f, err
	}
	if list, ok := value.([]any); ok && len(list) > fitThreshold && to != Dimensionless {
		if a, b, linear := fit(ctx, c, from, to); linear {
			conv = func(x float64) (float64, error) { return a + b*x, nil }
		}
	}

	out, err := walk(value, conv)
	if err != nil {
		return nil, "", err
	}
	return out, to, nil
}

func walk(value any, conv func(float64) (float64, error)) (any, error) {
	switch x := value.(type) {
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			v, err := walk(e, conv)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		f, ok := number(x)
		if !ok {
			return nil, fmt.Errorf("%w: %v is not a number", ErrConversion, value)
		}
		return conv(f)
	}
}

// fit reports whether the conversion is affine. It converts fitSamples
// points spread over four decades and accepts the least squares line when
// the RMS relative error stays below fitTolerance, the precision of units.
func fit(ctx context.Context, c Converter, from, to string) (a, b float64, linear bool) {
	xs := make([]float64, fitSamples)
	ys := make([]float64, fitSamples)
	for i := range xs {
		xs[i] = math.Pow(100, 1e-2*float64(i-50))
		y, _, err := c.Convert(ctx, xs[i], from, to)
		if err != nil || y == 0 {
			return 0, 0, false
		}
		ys[i] = y
	}
	if rmsError(xs, ys) >= fitTolerance {
		return 0, 0, false
	}

	a, _, err := c.Convert(ctx, 0, from, to)
	if err != nil {
		return 0, 0, false
	}
	one, _, err := c.Convert(ctx, 1, from, to)
	if err != nil {
		return 0, 0, false
	}
	return a, one - a, true
}

// rmsError fits y = a + b*x and returns the RMS of the relative residuals.
func rmsError(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sx, sy, sxx, sxy float64
	for i, x := range xs {
		sx += x
		sy += ys[i]
		sxx += x * x
		sxy += x * ys[i]
	}
	b := (sxy - sx*sy/n) / (sxx - sx*sx/n)
	a := sy/n - b*sx/n
	var sum float64
	for i, x := range xs {
		r := (ys[i] - (a + b*x)) / ys[i]
		sum += r * r
	}
	return math.Sqrt(sum / n)
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// AddSI returns a copy of doc in which every map carrying a source-unit also
// carries si-value and si-unit.
func AddSI(ctx context.Context, c Converter, doc any) (any, error) {
	switch x := doc.(type) {
	case map[string]any:
		if unit, ok := x[keySourceUnit]; ok {
			value, ok := x[keySourceValue]
			if !ok || value == nil {
				return nil, fmt.Errorf("%w: no %s provided", ErrConversion, keySourceValue)
			}
			from, ok := unit.(string)
			if !ok {
				from = fmt.Sprint(unit)
			}
			si, siUnit, err := ConvertList(ctx, c, value, from, "")
			if err != nil {
				return nil, err
			}
			out := maps.Clone(x)
			out[keySIValue] = si
			out[keySIUnit] = siUnit
			return out, nil
		}
		out := make(map[string]any, len(x))
		for k, v := range x {
			nv, err := AddSI(ctx, c, v)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			nv, err := AddSI(ctx, c, v)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	}
	return doc, nil
}
