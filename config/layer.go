package config

import "fmt"

// Level identifies the specificity of a configuration entry. Higher
// levels are more specific and win within one source rank.
type Level int

const (
	LevelDefault Level = iota
	LevelGlobal
	LevelNamespace
	LevelType
	LevelMethod
	LevelCall
)

// String returns the human-readable level name.
func (l Level) String() string {
	switch l {
	case LevelDefault:
		return "default"
	case LevelGlobal:
		return "global"
	case LevelNamespace:
		return "namespace"
	case LevelType:
		return "type"
	case LevelMethod:
		return "method"
	case LevelCall:
		return "call"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Source identifies where a configuration entry came from. Sources are
// ranked: a later rank always overrides an earlier rank's explicit fields,
// regardless of level.
type Source int

const (
	SourceDefault Source = iota
	SourceCode
	SourceFile
	SourceRuntime
)

// String returns the human-readable source name.
func (s Source) String() string {
	switch s {
	case SourceDefault:
		return "builtin"
	case SourceCode:
		return "code"
	case SourceFile:
		return "file"
	case SourceRuntime:
		return "runtime"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// swappableSources is the merge order of the collaborator-fed sources.
// SourceDefault is not listed: it is the fixed starting accumulator.
var swappableSources = [...]Source{SourceCode, SourceFile, SourceRuntime}

// Entry records one layer that contributed to a resolution. Entries are
// returned by Resolver.Explain for troubleshooting; they are snapshots
// and never alias resolver state.
type Entry struct {
	Level      Level
	Source     Source
	Identifier string // namespace pattern, type name, or type.method
	Config     OperationConfig
}

// String renders the entry for diagnostics output.
func (e Entry) String() string {
	if e.Identifier == "" {
		return fmt.Sprintf("%s/%s", e.Source, e.Level)
	}
	return fmt.Sprintf("%s/%s %q", e.Source, e.Level, e.Identifier)
}
