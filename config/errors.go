package config

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidSamplingRate  = errors.New("sampling rate must be between 0.0 and 1.0")
	ErrInvalidTimeout       = errors.New("timeout must not be negative")
	ErrInvalidIdentifier    = errors.New("identifier must not be empty")
	ErrUnknownCaptureMode   = errors.New("unknown parameter capture mode")
	ErrSourceNotSwappable   = errors.New("source does not accept snapshots")
)

// ConfigError provides structured error information for configuration
// failures. It implements the error interface and supports error wrapping.
type ConfigError struct {
	Op         string // Operation that failed (e.g., "resolver.Apply")
	Level      Level  // Level involved, if known
	Source     Source // Source involved, if known
	Identifier string // Optional identifier of the entry involved
	Err        error  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *ConfigError) Error() string {
	if e.Identifier != "" {
		return fmt.Sprintf("%s [%s/%s %q]: %v", e.Op, e.Source, e.Level, e.Identifier, e.Err)
	}
	return fmt.Sprintf("%s [%s/%s]: %v", e.Op, e.Source, e.Level, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether an error came from input validation,
// i.e. a caller-misuse failure that should fail fast rather than degrade.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidSamplingRate) ||
		errors.Is(err, ErrInvalidTimeout) ||
		errors.Is(err, ErrInvalidIdentifier) ||
		errors.Is(err, ErrUnknownCaptureMode) ||
		errors.Is(err, ErrInvalidConfiguration)
}
