package config

import (
	"sync"
)

// Declarative registration lets instrumented packages attach overrides to
// their own types and methods from init() functions, before any resolver
// exists. Declarations are stored in a concurrent map keyed by a stable
// handle (the dotted type or type.method name) and adopted once when a
// resolver is constructed. Registrations after construction go through the
// instance methods and take effect immediately.
//
// This replaces attribute/annotation scanning: the handle is supplied
// explicitly by the declaring package, so there is no reflection on the
// hot path and no discovery cost at resolution time.

type declaration struct {
	level      Level
	identifier string
	config     OperationConfig
}

var (
	// declared accumulates package init() declarations until a resolver
	// adopts them. sync.Map because init() order across packages is
	// concurrent-ish and unordered.
	declared sync.Map // handle string -> declaration
)

// DeclareType registers a code-source override for a type from init().
// Later declarations for the same handle replace earlier ones.
//
//	func init() {
//	    config.DeclareType("MyApp.Orders.Processor",
//	        config.Override().WithSamplingRate(0.25))
//	}
func DeclareType(typeName string, cfg OperationConfig) {
	declared.Store("type:"+typeName, declaration{
		level:      LevelType,
		identifier: typeName,
		config:     cfg.Clone(),
	})
}

// DeclareMethod registers a code-source override for one method from init().
func DeclareMethod(typeName, method string, cfg OperationConfig) {
	declared.Store("method:"+typeName+"."+method, declaration{
		level:      LevelMethod,
		identifier: typeName + "." + method,
		config:     cfg.Clone(),
	})
}

// DeclareNamespace registers a code-source override for a namespace
// pattern from init(). The pattern may be exact or a "Prefix.*" wildcard.
func DeclareNamespace(pattern string, cfg OperationConfig) {
	declared.Store("namespace:"+pattern, declaration{
		level:      LevelNamespace,
		identifier: pattern,
		config:     cfg.Clone(),
	})
}

// DeclareGlobal registers the code-source global override from init().
func DeclareGlobal(cfg OperationConfig) {
	declared.Store("global", declaration{
		level:  LevelGlobal,
		config: cfg.Clone(),
	})
}

// adoptDeclarations folds all pending declarations into a new resolver.
// Invalid declarations are logged and skipped rather than failing
// construction: a bad init() in one package must not take down
// instrumentation for the whole process.
func adoptDeclarations(r *Resolver) {
	declared.Range(func(_, value interface{}) bool {
		d := value.(declaration)
		if err := r.Apply(d.level, SourceCode, d.identifier, d.config); err != nil {
			r.logger.Warn("Skipping invalid declared override", map[string]interface{}{
				"level":      d.level.String(),
				"identifier": d.identifier,
				"error":      err.Error(),
			})
		}
		return true
	})
}

// Instance registration: the explicit counterparts of the Declare
// functions, for callers that hold a resolver.

// RegisterGlobal sets the code-source global override.
func (r *Resolver) RegisterGlobal(cfg OperationConfig) error {
	return r.Apply(LevelGlobal, SourceCode, "", cfg)
}

// RegisterNamespace sets a code-source namespace override.
func (r *Resolver) RegisterNamespace(pattern string, cfg OperationConfig) error {
	return r.Apply(LevelNamespace, SourceCode, pattern, cfg)
}

// RegisterType sets a code-source type override.
func (r *Resolver) RegisterType(typeName string, cfg OperationConfig) error {
	return r.Apply(LevelType, SourceCode, typeName, cfg)
}

// RegisterMethod sets a code-source method override.
func (r *Resolver) RegisterMethod(typeName, method string, cfg OperationConfig) error {
	return r.Apply(LevelMethod, SourceCode, typeName+"."+method, cfg)
}
