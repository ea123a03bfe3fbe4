package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCaptureMode(t *testing.T) {
	tests := []struct {
		input   string
		want    CaptureMode
		wantErr bool
	}{
		{"none", CaptureNone, false},
		{"names", CaptureNames, false},
		{"NAMES_AND_VALUES", CaptureNamesAndValues, false},
		{"  full  ", CaptureFull, false},
		{"everything", CaptureNone, true},
		{"", CaptureNone, true},
	}
	for _, tt := range tests {
		got, err := ParseCaptureMode(tt.input)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnknownCaptureMode, "input %q", tt.input)
			continue
		}
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestCaptureModeRoundTrip(t *testing.T) {
	for _, mode := range []CaptureMode{CaptureNone, CaptureNames, CaptureNamesAndValues, CaptureFull} {
		parsed, err := ParseCaptureMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	assert.ErrorIs(t, Override().WithSamplingRate(-0.1).Validate(), ErrInvalidSamplingRate)
	assert.ErrorIs(t, Override().WithSamplingRate(1.5).Validate(), ErrInvalidSamplingRate)
	assert.ErrorIs(t, Override().WithTimeout(-time.Second).Validate(), ErrInvalidTimeout)

	assert.NoError(t, Override().WithSamplingRate(0.0).Validate())
	assert.NoError(t, Override().WithSamplingRate(1.0).Validate())
	assert.NoError(t, Override().WithTimeout(0).Validate())
}

func TestMergeChildWins(t *testing.T) {
	parent := Override().
		WithSamplingRate(1.0).
		WithEnabled(true).
		WithTag("env", "prod").
		WithTag("team", "core")
	child := Override().
		WithSamplingRate(0.1).
		WithTag("env", "staging")

	merged := parent.Merge(child)

	assert.Equal(t, 0.1, *merged.SamplingRate)
	assert.True(t, *merged.Enabled, "unset child field inherits from parent")
	assert.Equal(t, "staging", merged.Tags["env"], "child tag overwrites parent")
	assert.Equal(t, "core", merged.Tags["team"], "parent tag survives")
}

func TestMergeIdentity(t *testing.T) {
	base := Override().
		WithSamplingRate(0.5).
		WithEnabled(true).
		WithCapture(CaptureNames).
		WithTimeout(2 * time.Second).
		WithTag("env", "prod")

	// Merging an empty override changes nothing.
	merged := base.Merge(Override())
	assert.Equal(t, *base.SamplingRate, *merged.SamplingRate)
	assert.Equal(t, *base.Enabled, *merged.Enabled)
	assert.Equal(t, *base.Capture, *merged.Capture)
	assert.Equal(t, *base.Timeout, *merged.Timeout)
	assert.Equal(t, base.Tags, merged.Tags)
}

func TestMergeIdempotent(t *testing.T) {
	parent := Override().WithSamplingRate(1.0).WithTag("a", "1")
	child := Override().WithSamplingRate(0.2).WithTag("a", "2")

	once := parent.Merge(child)
	twice := once.Merge(child)

	assert.Equal(t, *once.SamplingRate, *twice.SamplingRate)
	assert.Equal(t, once.Tags, twice.Tags)
}

func TestCloneIsDeep(t *testing.T) {
	orig := Override().WithSamplingRate(0.5).WithTag("k", "v")
	clone := orig.Clone()

	*clone.SamplingRate = 0.9
	clone.Tags["k"] = "changed"

	assert.Equal(t, 0.5, *orig.SamplingRate)
	assert.Equal(t, "v", orig.Tags["k"])
}

func TestIsZero(t *testing.T) {
	assert.True(t, Override().IsZero())
	assert.False(t, Override().WithEnabled(false).IsZero())
	assert.False(t, Override().WithTag("k", "v").IsZero())
}

func TestDefaultsAreFullySpecified(t *testing.T) {
	d := Defaults()
	require.NotNil(t, d.SamplingRate)
	require.NotNil(t, d.Enabled)
	require.NotNil(t, d.Capture)
	require.NotNil(t, d.Timeout)
	require.NotNil(t, d.RecordExceptions)

	assert.Equal(t, 1.0, *d.SamplingRate)
	assert.True(t, *d.Enabled)
	assert.Equal(t, CaptureNone, *d.Capture)
	assert.Equal(t, time.Duration(0), *d.Timeout)
	assert.True(t, *d.RecordExceptions)
}
