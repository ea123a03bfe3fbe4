package config

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/probelight/probelight/logging"
)

// snapshot is the immutable state of one source rank. Writers build a new
// snapshot and swap it atomically; readers load it once per resolution, so
// a resolution sees either the fully-old or fully-new state of a source,
// never a torn mix.
type snapshot struct {
	global     *OperationConfig
	namespaces map[string]OperationConfig // lowercased pattern -> override
	types      map[string]OperationConfig // lowercased type name -> override
	methods    map[string]OperationConfig // lowercased "type.method" -> override
}

func emptySnapshot() *snapshot {
	return &snapshot{
		namespaces: map[string]OperationConfig{},
		types:      map[string]OperationConfig{},
		methods:    map[string]OperationConfig{},
	}
}

// clone produces a writable copy for copy-on-write updates.
func (s *snapshot) clone() *snapshot {
	out := emptySnapshot()
	if s.global != nil {
		g := s.global.Clone()
		out.global = &g
	}
	for k, v := range s.namespaces {
		out.namespaces[k] = v.Clone()
	}
	for k, v := range s.types {
		out.types[k] = v.Clone()
	}
	for k, v := range s.methods {
		out.methods[k] = v.Clone()
	}
	return out
}

type cachedResolution struct {
	generation uint64
	effective  Effective
}

// Resolver merges layered overrides into effective configurations.
//
// The zero Resolver is not usable; construct with NewResolver. Collaborators
// (file watcher, runtime endpoint, code registration) push state in through
// Apply and SetSnapshot; the resolver never initiates I/O itself.
type Resolver struct {
	defaults OperationConfig

	// One atomic slot per swappable source rank (code, file, runtime).
	sources [len(swappableSources)]atomic.Value // *snapshot

	// writeMu serializes writers only. Readers never take it.
	writeMu sync.Mutex

	// generation invalidates the resolution cache on any write.
	generation atomic.Uint64

	// cache holds pre-merged resolutions keyed by "type\x00method" so the
	// hot path is a single lock-free map read.
	cache sync.Map // string -> cachedResolution

	logger logging.Logger

	resolutions atomic.Int64
	cacheHits   atomic.Int64
}

// NewResolver creates a resolver seeded with the built-in default layer
// and any overrides declared via the package-level Declare functions.
func NewResolver(logger logging.Logger) *Resolver {
	r := &Resolver{
		defaults: Defaults(),
		logger:   logging.OrNop(logger),
	}
	for i := range r.sources {
		r.sources[i].Store(emptySnapshot())
	}
	adoptDeclarations(r)
	return r
}

func sourceIndex(source Source) (int, error) {
	for i, s := range swappableSources {
		if s == source {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrSourceNotSwappable, source)
}

// Apply records one (level, source, identifier, configuration) tuple.
// The override is validated before any merge; malformed input is rejected
// with a descriptive error and resolver state is left untouched.
//
// For LevelGlobal the identifier is ignored. For LevelNamespace it is the
// namespace pattern (exact or "Prefix.*"), for LevelType the dotted type
// name, and for LevelMethod "Type.Method".
func (r *Resolver) Apply(level Level, source Source, identifier string, cfg OperationConfig) error {
	if err := cfg.Validate(); err != nil {
		return &ConfigError{Op: "resolver.Apply", Level: level, Source: source, Identifier: identifier, Err: err}
	}
	idx, err := sourceIndex(source)
	if err != nil {
		return &ConfigError{Op: "resolver.Apply", Level: level, Source: source, Identifier: identifier, Err: err}
	}
	if level != LevelGlobal && strings.TrimSpace(identifier) == "" {
		return &ConfigError{Op: "resolver.Apply", Level: level, Source: source, Err: ErrInvalidIdentifier}
	}

	key := strings.ToLower(identifier)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := r.sources[idx].Load().(*snapshot).clone()
	switch level {
	case LevelGlobal:
		merged := cfg.Clone()
		next.global = &merged
	case LevelNamespace:
		next.namespaces[key] = cfg.Clone()
	case LevelType:
		next.types[key] = cfg.Clone()
	case LevelMethod:
		next.methods[key] = cfg.Clone()
	default:
		return &ConfigError{
			Op: "resolver.Apply", Level: level, Source: source, Identifier: identifier,
			Err: fmt.Errorf("%w: level %s is not assignable", ErrInvalidConfiguration, level),
		}
	}

	r.sources[idx].Store(next)
	r.generation.Add(1)

	r.logger.Debug("Configuration override applied", map[string]interface{}{
		"level":      level.String(),
		"source":     source.String(),
		"identifier": identifier,
	})
	return nil
}

// SetSnapshot atomically replaces the whole state of one source rank.
// Used for hot reload: a new file snapshot or runtime push swaps in as a
// unit without invalidating the other sources.
func (r *Resolver) SetSnapshot(source Source, doc *Document) error {
	idx, err := sourceIndex(source)
	if err != nil {
		return &ConfigError{Op: "resolver.SetSnapshot", Source: source, Err: err}
	}

	snap := emptySnapshot()
	if doc != nil {
		snap, err = doc.toSnapshot()
		if err != nil {
			return &ConfigError{Op: "resolver.SetSnapshot", Source: source, Err: err}
		}
	}

	r.writeMu.Lock()
	r.sources[idx].Store(snap)
	r.generation.Add(1)
	r.writeMu.Unlock()

	r.logger.Info("Configuration source swapped", map[string]interface{}{
		"source":     source.String(),
		"namespaces": len(snap.namespaces),
		"types":      len(snap.types),
		"methods":    len(snap.methods),
		"has_global": snap.global != nil,
	})
	return nil
}

// Resolve merges all applicable layers for an operation into one
// fully-specified Effective configuration. targetType and method may be
// empty; callOverride may be nil.
//
// Resolution is total: every field of the result is set because the merge
// starts from the built-in default layer. The only error path is a
// malformed callOverride, which is a caller-misuse failure.
func (r *Resolver) Resolve(targetType, method string, callOverride *OperationConfig) (Effective, error) {
	if callOverride != nil {
		if err := callOverride.Validate(); err != nil {
			return Effective{}, &ConfigError{Op: "resolver.Resolve", Level: LevelCall, Source: SourceRuntime, Err: err}
		}
	}
	r.resolutions.Add(1)

	// The pre-merged cache only serves resolutions without a per-call
	// override; overrides are arbitrary and would defeat the cache.
	cacheKey := ""
	if callOverride == nil {
		cacheKey = strings.ToLower(targetType) + "\x00" + strings.ToLower(method)
		gen := r.generation.Load()
		if v, ok := r.cache.Load(cacheKey); ok {
			cr := v.(cachedResolution)
			if cr.generation == gen {
				r.cacheHits.Add(1)
				return cr.effective, nil
			}
		}
	}

	gen := r.generation.Load()
	acc := r.mergeLayers(targetType, method, nil)
	if callOverride != nil {
		acc = acc.Merge(*callOverride)
	}
	eff := acc.effective()

	if cacheKey != "" {
		// If a writer raced us, the stale generation tag makes the entry
		// self-invalidating on the next read.
		r.cache.Store(cacheKey, cachedResolution{generation: gen, effective: eff})
	}
	return eff, nil
}

// mergeLayers walks sources in ascending rank and levels in ascending
// specificity. When collect is non-nil, each contributing layer is
// appended to it (used by Explain).
func (r *Resolver) mergeLayers(targetType, method string, collect *[]Entry) OperationConfig {
	acc := r.defaults.Clone()
	if collect != nil {
		*collect = append(*collect, Entry{Level: LevelDefault, Source: SourceDefault, Config: r.defaults.Clone()})
	}

	typeKey := strings.ToLower(targetType)
	methodKey := ""
	if targetType != "" && method != "" {
		methodKey = typeKey + "." + strings.ToLower(method)
	}
	namespace := namespaceOf(targetType)

	for i, source := range swappableSources {
		snap := r.sources[i].Load().(*snapshot)

		if snap.global != nil {
			acc = acc.Merge(*snap.global)
			if collect != nil {
				*collect = append(*collect, Entry{Level: LevelGlobal, Source: source, Config: snap.global.Clone()})
			}
		}
		if targetType != "" {
			if pattern, cfg, ok := bestNamespaceMatch(snap.namespaces, namespace); ok {
				acc = acc.Merge(cfg)
				if collect != nil {
					*collect = append(*collect, Entry{Level: LevelNamespace, Source: source, Identifier: pattern, Config: cfg.Clone()})
				}
			}
			if cfg, ok := snap.types[typeKey]; ok {
				acc = acc.Merge(cfg)
				if collect != nil {
					*collect = append(*collect, Entry{Level: LevelType, Source: source, Identifier: targetType, Config: cfg.Clone()})
				}
			}
		}
		if methodKey != "" {
			if cfg, ok := snap.methods[methodKey]; ok {
				acc = acc.Merge(cfg)
				if collect != nil {
					*collect = append(*collect, Entry{Level: LevelMethod, Source: source, Identifier: targetType + "." + method, Config: cfg.Clone()})
				}
			}
		}
	}
	return acc
}

// Explain reconstructs the ordered list of layers that contribute to a
// resolution, for troubleshooting. The returned entries are snapshots;
// Explain never mutates resolver state.
func (r *Resolver) Explain(targetType, method string, callOverride *OperationConfig) []Entry {
	entries := make([]Entry, 0, 8)
	r.mergeLayers(targetType, method, &entries)
	if callOverride != nil {
		entries = append(entries, Entry{Level: LevelCall, Source: SourceRuntime, Config: callOverride.Clone()})
	}
	return entries
}

// Stats reports resolver activity for the health surface.
type Stats struct {
	Resolutions int64 `json:"resolutions"`
	CacheHits   int64 `json:"cache_hits"`
}

// Stats returns resolver activity counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		Resolutions: r.resolutions.Load(),
		CacheHits:   r.cacheHits.Load(),
	}
}
