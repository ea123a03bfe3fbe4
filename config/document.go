package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is the hierarchical configuration payload consumed from file
// and runtime sources. Unknown or missing fields mean "inherit".
//
//	global:
//	  sampling_rate: 0.1
//	  enabled: true
//	  capture_mode: names
//	  timeout: 2s
//	  record_exceptions: true
//	  tags:
//	    env: production
//	namespaces:
//	  "MyApp.*":
//	    sampling_rate: 0.5
//	types:
//	  "MyApp.Orders.Processor":
//	    capture_mode: names_and_values
//	methods:
//	  "MyApp.Orders.Processor.Submit":
//	    sampling_rate: 1.0
type Document struct {
	Global     *RawOverride           `yaml:"global"`
	Namespaces map[string]RawOverride `yaml:"namespaces"`
	Types      map[string]RawOverride `yaml:"types"`
	Methods    map[string]RawOverride `yaml:"methods"`
}

// RawOverride is the wire shape of one override. Pointers preserve the
// set/unset distinction through YAML decoding.
type RawOverride struct {
	SamplingRate     *float64          `yaml:"sampling_rate"`
	Enabled          *bool             `yaml:"enabled"`
	CaptureMode      *string           `yaml:"capture_mode"`
	Timeout          *string           `yaml:"timeout"`
	RecordExceptions *bool             `yaml:"record_exceptions"`
	Tags             map[string]string `yaml:"tags"`
}

// toConfig converts the wire shape into an OperationConfig, validating as
// it goes. Malformed values are rejected, never clamped.
func (o RawOverride) toConfig() (OperationConfig, error) {
	cfg := OperationConfig{}
	if o.SamplingRate != nil {
		v := *o.SamplingRate
		cfg.SamplingRate = &v
	}
	if o.Enabled != nil {
		v := *o.Enabled
		cfg.Enabled = &v
	}
	if o.CaptureMode != nil {
		mode, err := ParseCaptureMode(*o.CaptureMode)
		if err != nil {
			return OperationConfig{}, err
		}
		cfg.Capture = &mode
	}
	if o.Timeout != nil {
		d, err := time.ParseDuration(strings.TrimSpace(*o.Timeout))
		if err != nil {
			return OperationConfig{}, fmt.Errorf("%w: %q", ErrInvalidTimeout, *o.Timeout)
		}
		cfg.Timeout = &d
	}
	if o.RecordExceptions != nil {
		v := *o.RecordExceptions
		cfg.RecordExceptions = &v
	}
	if len(o.Tags) > 0 {
		cfg.Tags = make(map[string]string, len(o.Tags))
		for k, v := range o.Tags {
			cfg.Tags[k] = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return OperationConfig{}, err
	}
	return cfg, nil
}

// ParseDocument decodes and validates a YAML configuration payload.
// Validation happens here, before the document can reach a resolver, so a
// broken payload never partially applies.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if _, err := doc.toSnapshot(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// toSnapshot converts a document into a source snapshot, lowercasing all
// identifiers for case-insensitive matching.
func (d *Document) toSnapshot() (*snapshot, error) {
	snap := emptySnapshot()

	if d.Global != nil {
		cfg, err := d.Global.toConfig()
		if err != nil {
			return nil, fmt.Errorf("global: %w", err)
		}
		snap.global = &cfg
	}
	for pattern, raw := range d.Namespaces {
		if strings.TrimSpace(pattern) == "" {
			return nil, fmt.Errorf("namespaces: %w", ErrInvalidIdentifier)
		}
		cfg, err := raw.toConfig()
		if err != nil {
			return nil, fmt.Errorf("namespace %q: %w", pattern, err)
		}
		snap.namespaces[strings.ToLower(pattern)] = cfg
	}
	for name, raw := range d.Types {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("types: %w", ErrInvalidIdentifier)
		}
		cfg, err := raw.toConfig()
		if err != nil {
			return nil, fmt.Errorf("type %q: %w", name, err)
		}
		snap.types[strings.ToLower(name)] = cfg
	}
	for name, raw := range d.Methods {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("methods: %w", ErrInvalidIdentifier)
		}
		cfg, err := raw.toConfig()
		if err != nil {
			return nil, fmt.Errorf("method %q: %w", name, err)
		}
		snap.methods[strings.ToLower(name)] = cfg
	}
	return snap, nil
}
