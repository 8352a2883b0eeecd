// Package config loads instrument description files. A file lists the
// devices of one microscope and the settings their drivers are built with.
// YAML, TOML and JSON are accepted, chosen by file extension; unknown keys
// are rejected in all three.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Duration is a time.Duration written as a string such as "500ms".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// Instrument is the root of an instrument file.
type Instrument struct {
	Name          string         `json:"name" yaml:"name" toml:"name"`
	TunableLenses []TunableLens  `json:"tunable_lenses,omitempty" yaml:"tunable_lenses" toml:"tunable_lenses"`
	FilterWheels  []FilterWheel  `json:"filter_wheels,omitempty" yaml:"filter_wheels" toml:"filter_wheels"`
	Stages        []StageGroup   `json:"stages,omitempty" yaml:"stages" toml:"stages"`
	Lasers        []Laser        `json:"lasers,omitempty" yaml:"lasers" toml:"lasers"`
	Cameras       []Camera       `json:"cameras,omitempty" yaml:"cameras" toml:"cameras"`
	Kinesis       []KinesisMotor `json:"kinesis,omitempty" yaml:"kinesis" toml:"kinesis"`
}

// Load reads and validates an instrument file. The format follows the
// extension: .yaml/.yml, .toml or .json.
func Load(path string) (*Instrument, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".yaml", ".yml", ".toml", ".json":
	default:
		return nil, fmt.Errorf("config file must have .yaml, .yml, .toml or .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, strings.TrimPrefix(ext, "."))
}

// Parse decodes an instrument description in the given format ("yaml",
// "yml", "toml" or "json") and validates it.
func Parse(data []byte, format string) (*Instrument, error) {
	cfg := &Instrument{}
	switch format {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case "toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("failed to parse config TOML: unknown keys %s", strings.Join(keys, ", "))
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every device entry and that device names are unique.
func (c *Instrument) Validate() error {
	var errs []error
	seen := make(map[string]string)
	claim := func(kind, name string) {
		if name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", kind))
			return
		}
		if prev, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("%s %q: name already used by a %s", kind, name, prev))
			return
		}
		seen[name] = kind
	}

	for _, d := range c.TunableLenses {
		claim("tunable lens", d.Name)
		errs = append(errs, d.validate())
	}
	for _, d := range c.FilterWheels {
		claim("filter wheel", d.Name)
		errs = append(errs, d.validate())
	}
	for _, g := range c.Stages {
		claim("stage controller", g.Name)
		for _, a := range g.Axes {
			claim("stage", a.Name)
		}
		errs = append(errs, g.validate())
	}
	for _, d := range c.Lasers {
		claim("laser", d.Name)
		errs = append(errs, d.validate())
	}
	for _, d := range c.Cameras {
		claim("camera", d.Name)
		errs = append(errs, d.validate())
	}
	for _, d := range c.Kinesis {
		claim("kinesis motor", d.Name)
		errs = append(errs, d.validate())
	}
	return errors.Join(errs...)
}

// DeviceNames returns every configured device name in sorted order. Stage
// axes are listed under their own names.
func (c *Instrument) DeviceNames() []string {
	var names []string
	for _, d := range c.TunableLenses {
		names = append(names, d.Name)
	}
	for _, d := range c.FilterWheels {
		names = append(names, d.Name)
	}
	for _, g := range c.Stages {
		for _, a := range g.Axes {
			names = append(names, a.Name)
		}
	}
	for _, d := range c.Lasers {
		names = append(names, d.Name)
	}
	for _, d := range c.Cameras {
		names = append(names, d.Name)
	}
	for _, d := range c.Kinesis {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}
