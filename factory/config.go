/*
Package factory provides YAML to Go run-configuration conversion.

PURPOSE:
  Converts a YAML (or JSON, which is valid YAML) run definition into a
  validated rais.Config. Years, states and cuts change between studies;
  the factory lets them change without code changes.

YAML SCHEMA:
  raw_dir: data/raw
  util_dir: data/util
  db_path: rais.db
  export_dir: out
  vintages: ["2017", "2010"]
  states: [SP, RJ]
  workers: 8
  cuts:
    - name: RMC
      state: SP
      municipalities: [350160, 350950]

DEFAULTS:
  Keys left out keep the value of rais.DefaultConfig(). A present key
  replaces the default entirely, so "cuts: []" disables the RMC cut.

KEY FEATURES:
  - Rejects unknown keys
  - Reports every validation problem at once
  - Checks vintages against the catalog

USAGE:
  cfg, err := factory.LoadConfig("rais.yaml")
  p := rais.NewPipeline(cfg, reader, cnae, store)

SEE ALSO:
  - rais/config.go: Config type and defaults
  - rais/vintages.go: Supported years
*/
package factory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/warp/rais-engine/generic"
	"github.com/warp/rais-engine/rais"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// LoadConfig reads and parses a config file.
func LoadConfig(path string) (rais.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rais.Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML over rais.DefaultConfig() and validates the
// result against rais.DefaultCatalog().
func ParseConfig(data []byte) (rais.Config, error) {
	cfg := rais.DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return rais.Config{}, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if err := Validate(cfg, rais.DefaultCatalog()); err != nil {
		return rais.Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg against catalog. All problems are joined into one
// error wrapping ErrInvalidConfig.
func Validate(cfg rais.Config, catalog *generic.Catalog) error {
	var problems []error
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if cfg.RawDir == "" {
		fail("raw_dir is required")
	}
	if len(cfg.Vintages) == 0 {
		fail("at least one vintage is required")
	}
	for _, v := range cfg.Vintages {
		if _, err := catalog.Lookup(v); err != nil {
			fail("vintage %q: %w", v, err)
		}
	}

	selected := make(map[string]bool, len(cfg.States))
	for _, uf := range cfg.States {
		switch {
		case !rais.IsState(uf):
			fail("unknown state %q", uf)
		case selected[uf]:
			fail("state %q listed twice", uf)
		}
		selected[uf] = true
	}

	names := make(map[string]bool, len(cfg.Cuts))
	for i, c := range cfg.Cuts {
		switch {
		case c.Name == "":
			fail("cut %d: name is required", i)
		case names[c.Name]:
			fail("cut %q defined twice", c.Name)
		}
		names[c.Name] = true
		if !selected[c.State] {
			fail("cut %q: state %q is not among the configured states", c.Name, c.State)
		}
		if len(c.Municipalities) == 0 {
			fail("cut %q: %w", c.Name, rais.ErrEmptyCut)
		}
	}

	if cfg.Workers < 1 {
		fail("workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.EmploymentFloor < 0 {
		fail("employment_floor must not be negative")
	}
	if cfg.EducationFloor < 0 {
		fail("education_floor must not be negative")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
}

// MarshalConfig renders cfg as YAML, in the layout ParseConfig reads.
func MarshalConfig(cfg rais.Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
