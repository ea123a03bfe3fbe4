// Package faults deduplicates and rate-tracks errors recorded by
// operation scopes.
//
// Every recorded error is reduced to a stable fingerprint so that the
// same failure mode occurring thousands of times produces one group with
// a count, not thousands of telemetry events. Variable fragments in
// messages (numbers, UUIDs, hex addresses) are normalized out so
// "failed to process user 12345" and "failed to process user 67890"
// land in the same group.
package faults

import (
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"runtime"
	"strings"
)

// Normalization patterns, most specific first: a UUID must be collapsed
// before the plain-number pattern shreds it into four placeholders.
var (
	uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	hexPattern  = regexp.MustCompile(`0[xX][0-9a-fA-F]+`)
	longHexRun  = regexp.MustCompile(`\b[0-9a-fA-F]{16,}\b`)
	numPattern  = regexp.MustCompile(`\d+(\.\d+)?`)
)

// NormalizeMessage replaces variable tokens in an error message with
// placeholders, yielding the stable form used for grouping.
func NormalizeMessage(msg string) string {
	msg = uuidPattern.ReplaceAllString(msg, "<uuid>")
	msg = hexPattern.ReplaceAllString(msg, "<hex>")
	msg = longHexRun.ReplaceAllString(msg, "<hex>")
	msg = numPattern.ReplaceAllString(msg, "<num>")
	return strings.TrimSpace(msg)
}

// typeName returns the concrete Go type of an error, e.g. "*os.PathError"
// or "*errors.errorString".
func typeName(err error) string {
	return fmt.Sprintf("%T", err)
}

// walk visits err and every wrapped error, depth-first. Composite errors
// (Unwrap() []error, as produced by errors.Join) are flattened so one
// composite failure folds into one fingerprint instead of several groups.
func walk(err error, visit func(error)) {
	for err != nil {
		visit(err)
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner, visit)
			}
			return
		default:
			err = errors.Unwrap(err)
		}
	}
}

// Fingerprint computes the stable identity of an error class: an FNV-1a
// hash over the concrete type and normalized message of the error and
// every error it wraps. Two errors with the same types and same message
// shape share a fingerprint regardless of the variable data inside.
func Fingerprint(err error) string {
	return fingerprint(err, nil)
}

// fingerprint optionally mixes in a call-site frame hash so identical
// type+message pairs recorded from different call sites form distinct
// groups. pcs comes from runtime.Callers at the record site.
func fingerprint(err error, pcs []uintptr) string {
	h := fnv.New64a()
	walk(err, func(e error) {
		_, _ = h.Write([]byte(typeName(e)))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(NormalizeMessage(e.Error())))
		_, _ = h.Write([]byte{0})
	})
	if len(pcs) > 0 {
		frames := runtime.CallersFrames(pcs)
		for {
			frame, more := frames.Next()
			// Function identity, not line numbers: a fingerprint must
			// survive unrelated edits to the same file.
			_, _ = h.Write([]byte(frame.Function))
			_, _ = h.Write([]byte{0})
			if !more {
				break
			}
		}
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// rootTypeAndMessage extracts the display attributes of a group: the
// outermost error's type and its full normalized message.
func rootTypeAndMessage(err error) (string, string) {
	return typeName(err), NormalizeMessage(err.Error())
}

// captureStack formats the first few frames above the instrumentation
// layer for the group's stored stack trace.
func captureStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}
