// Package config implements probelight's hierarchical configuration
// resolution.
//
// Overrides arrive from four source ranks (built-in defaults, code
// registration, configuration files, live runtime pushes) at five
// specificity levels (global, namespace, type, method, call). The resolver
// merges them into one fully-specified Effective configuration per
// operation.
//
// Precedence is two-dimensional:
//   - Across sources, a later rank always wins over an earlier rank for any
//     field both set explicitly: runtime > file > code > default.
//   - Within one source rank, the more specific level wins:
//     method > type > namespace > global.
//   - A caller-supplied per-call override is merged last and wins over
//     everything.
//
// Thread safety: each source's state is an immutable snapshot held in an
// atomic.Value. Resolution reads each snapshot exactly once, so it sees
// either the fully-old or the fully-new state of a source, never a torn
// mix. There are no locks on the resolution path.
package config

import (
	"fmt"
	"strings"
	"time"
)

// CaptureMode controls how much of an operation's parameters are captured
// into the emitted telemetry.
type CaptureMode int

const (
	// CaptureNone records no parameter information.
	CaptureNone CaptureMode = iota
	// CaptureNames records parameter names only.
	CaptureNames
	// CaptureNamesAndValues records names plus stringified values.
	CaptureNamesAndValues
	// CaptureFull records names, values, and nested structure.
	CaptureFull
)

// String returns the wire representation used in configuration documents.
func (m CaptureMode) String() string {
	switch m {
	case CaptureNone:
		return "none"
	case CaptureNames:
		return "names"
	case CaptureNamesAndValues:
		return "names_and_values"
	case CaptureFull:
		return "full"
	default:
		return fmt.Sprintf("capture(%d)", int(m))
	}
}

// ParseCaptureMode converts a document string into a CaptureMode.
func ParseCaptureMode(s string) (CaptureMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return CaptureNone, nil
	case "names", "names_only":
		return CaptureNames, nil
	case "names_and_values", "values":
		return CaptureNamesAndValues, nil
	case "full":
		return CaptureFull, nil
	default:
		return CaptureNone, fmt.Errorf("%w: %q", ErrUnknownCaptureMode, s)
	}
}

// OperationConfig is a partially-specified override. Nil pointer fields
// mean "inherit from the parent layer". This is the mutable builder form;
// resolution produces the immutable Effective form.
type OperationConfig struct {
	// SamplingRate is the fraction of operations to instrument, 0.0-1.0.
	SamplingRate *float64

	// Enabled turns instrumentation on or off for the matched operations.
	Enabled *bool

	// Capture selects the parameter capture mode.
	Capture *CaptureMode

	// Timeout is the duration threshold above which an operation is
	// flagged slow. Zero means no threshold.
	Timeout *time.Duration

	// RecordExceptions controls whether recorded exceptions are fed to
	// the aggregator.
	RecordExceptions *bool

	// Tags are merged into the operation's tag set. Child tags overwrite
	// same-named parent tags; there is no tag deletion.
	Tags map[string]string
}

// IsZero reports whether the override sets nothing at all.
func (c OperationConfig) IsZero() bool {
	return c.SamplingRate == nil &&
		c.Enabled == nil &&
		c.Capture == nil &&
		c.Timeout == nil &&
		c.RecordExceptions == nil &&
		len(c.Tags) == 0
}

// Validate rejects malformed overrides before any merge. Out-of-range
// values are never silently clamped.
func (c OperationConfig) Validate() error {
	if c.SamplingRate != nil && (*c.SamplingRate < 0.0 || *c.SamplingRate > 1.0) {
		return fmt.Errorf("%w: got %v", ErrInvalidSamplingRate, *c.SamplingRate)
	}
	if c.Timeout != nil && *c.Timeout < 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidTimeout, *c.Timeout)
	}
	return nil
}

// Clone returns a deep copy. The builder form is mutable, so layers store
// clones to keep snapshots immutable.
func (c OperationConfig) Clone() OperationConfig {
	out := OperationConfig{}
	if c.SamplingRate != nil {
		v := *c.SamplingRate
		out.SamplingRate = &v
	}
	if c.Enabled != nil {
		v := *c.Enabled
		out.Enabled = &v
	}
	if c.Capture != nil {
		v := *c.Capture
		out.Capture = &v
	}
	if c.Timeout != nil {
		v := *c.Timeout
		out.Timeout = &v
	}
	if c.RecordExceptions != nil {
		v := *c.RecordExceptions
		out.RecordExceptions = &v
	}
	if len(c.Tags) > 0 {
		out.Tags = make(map[string]string, len(c.Tags))
		for k, v := range c.Tags {
			out.Tags[k] = v
		}
	}
	return out
}

// Merge overlays child onto c and returns the result. Every field
// explicitly set on the child replaces c's value; unset fields pass c's
// value through unchanged. Tag maps are unioned with child entries
// overwriting same-keyed parent entries.
func (c OperationConfig) Merge(child OperationConfig) OperationConfig {
	out := c.Clone()
	if child.SamplingRate != nil {
		v := *child.SamplingRate
		out.SamplingRate = &v
	}
	if child.Enabled != nil {
		v := *child.Enabled
		out.Enabled = &v
	}
	if child.Capture != nil {
		v := *child.Capture
		out.Capture = &v
	}
	if child.Timeout != nil {
		v := *child.Timeout
		out.Timeout = &v
	}
	if child.RecordExceptions != nil {
		v := *child.RecordExceptions
		out.RecordExceptions = &v
	}
	if len(child.Tags) > 0 {
		if out.Tags == nil {
			out.Tags = make(map[string]string, len(child.Tags))
		}
		for k, v := range child.Tags {
			out.Tags[k] = v
		}
	}
	return out
}

// Effective is a fully-resolved, inheritance-free configuration. Every
// field is guaranteed set because resolution starts from the built-in
// default layer. Effective values are immutable once returned.
type Effective struct {
	SamplingRate     float64
	Enabled          bool
	Capture          CaptureMode
	Timeout          time.Duration // 0 = no threshold
	RecordExceptions bool
	Tags             map[string]string
}

// effective finalizes a fully-merged builder. The accumulator always
// descends from the default layer, so every pointer is non-nil here.
func (c OperationConfig) effective() Effective {
	tags := make(map[string]string, len(c.Tags))
	for k, v := range c.Tags {
		tags[k] = v
	}
	return Effective{
		SamplingRate:     *c.SamplingRate,
		Enabled:          *c.Enabled,
		Capture:          *c.Capture,
		Timeout:          *c.Timeout,
		RecordExceptions: *c.RecordExceptions,
		Tags:             tags,
	}
}

// Defaults returns the built-in default layer: instrument everything,
// capture nothing, no timeout threshold, record exceptions.
func Defaults() OperationConfig {
	rate := 1.0
	enabled := true
	capture := CaptureNone
	timeout := time.Duration(0)
	record := true
	return OperationConfig{
		SamplingRate:     &rate,
		Enabled:          &enabled,
		Capture:          &capture,
		Timeout:          &timeout,
		RecordExceptions: &record,
		Tags:             map[string]string{},
	}
}

// Convenience constructors for building overrides in code. These keep
// call sites free of pointer plumbing:
//
//	config.Override().WithSamplingRate(0.1).WithTag("tier", "gold")

// Override returns an empty (all-inherit) override.
func Override() OperationConfig {
	return OperationConfig{}
}

// WithSamplingRate sets the sampling rate on the override.
func (c OperationConfig) WithSamplingRate(rate float64) OperationConfig {
	c.SamplingRate = &rate
	return c
}

// WithEnabled sets the enabled flag on the override.
func (c OperationConfig) WithEnabled(enabled bool) OperationConfig {
	c.Enabled = &enabled
	return c
}

// WithCapture sets the parameter capture mode on the override.
func (c OperationConfig) WithCapture(mode CaptureMode) OperationConfig {
	c.Capture = &mode
	return c
}

// WithTimeout sets the slow-operation threshold on the override.
func (c OperationConfig) WithTimeout(d time.Duration) OperationConfig {
	c.Timeout = &d
	return c
}

// WithRecordExceptions sets the record-exceptions flag on the override.
func (c OperationConfig) WithRecordExceptions(record bool) OperationConfig {
	c.RecordExceptions = &record
	return c
}

// WithTag adds one tag to the override.
func (c OperationConfig) WithTag(key, value string) OperationConfig {
	if c.Tags == nil {
		c.Tags = make(map[string]string)
	}
	c.Tags[key] = value
	return c
}
