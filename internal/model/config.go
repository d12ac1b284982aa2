package model

import (
	"fmt"
	"io"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version  int      `json:"version" yaml:"version"`
	Pipeline Pipeline `json:"pipeline" yaml:"pipeline"`
	Store    Store    `json:"store" yaml:"store"`
	Service  Service  `json:"service" yaml:"service"`
}

// Pipeline configures staging and execution of a single pairing.
type Pipeline struct {
	Repository           string   `json:"repository" yaml:"repository"`
	Running              string   `json:"running" yaml:"running"`
	FullSubdirNames      bool     `json:"full_subdir_names" yaml:"full_subdir_names"`
	Profiler             []string `json:"profiler" yaml:"profiler"`
	MinAPIVersion        string   `json:"min_api_version" yaml:"min_api_version"`
	SupportedAPIVersions string   `json:"supported_api_versions" yaml:"supported_api_versions"`
	ASESimulators        []string `json:"ase_simulators" yaml:"ase_simulators"`
	// path or name of the units binary
	Units string `json:"units" yaml:"units"`
	// dir with property definitions, empty disables verification
	Properties string `json:"properties" yaml:"properties"`
	Verify     bool   `json:"verify" yaml:"verify"`
	QueryURL   string `json:"query_url" yaml:"query_url"`
	// e.g. "2h", empty => none
	Timeout string `json:"timeout" yaml:"timeout"`
}

// JobTimeout parses Timeout, zero means no timeout.
func (p Pipeline) JobTimeout() (time.Duration, error) {
	if strings.TrimSpace(p.Timeout) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parsing pipeline.timeout: %w", err)
	}
	return d, nil
}

type Store struct {
	Path string `json:"path" yaml:"path"`
}

type Service struct {
	Verbose     bool   `json:"verbose" yaml:"verbose"`
	Log         string `json:"log" yaml:"log"`
	Parallelism int    `json:"parallelism" yaml:"parallelism"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

// DefaultConfig returns the configuration made of schema defaults only.
func DefaultConfig() Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(err)
	}
	return cfg
}
