package config

import "strings"

// Namespace matching rules:
//   - Comparison is case-insensitive.
//   - An exact pattern ("MyApp.Orders") matches only that namespace.
//   - A wildcard pattern ("MyApp.*") matches the namespace itself
//     ("MyApp") and anything under its prefix ("MyApp.Orders").
//   - When both an exact and a wildcard pattern match, the exact pattern
//     wins. Among wildcard matches, the longest prefix wins.

// namespaceOf extracts the namespace portion of a dotted type name:
// "MyApp.Orders.Processor" -> "MyApp.Orders". A bare name has no
// namespace.
func namespaceOf(typeName string) string {
	idx := strings.LastIndex(typeName, ".")
	if idx < 0 {
		return ""
	}
	return typeName[:idx]
}

// matchesWildcard reports whether a lowercased wildcard pattern
// ("myapp.*") matches a lowercased namespace.
func matchesWildcard(pattern, namespace string) bool {
	prefix, ok := strings.CutSuffix(pattern, ".*")
	if !ok {
		return false
	}
	if namespace == prefix {
		return true
	}
	return strings.HasPrefix(namespace, prefix+".")
}

// bestNamespaceMatch finds the override that applies to a namespace.
// Patterns are stored lowercased. Returns the matched pattern (for
// diagnostics) and whether a match exists.
func bestNamespaceMatch(patterns map[string]OperationConfig, namespace string) (string, OperationConfig, bool) {
	if len(patterns) == 0 || namespace == "" {
		return "", OperationConfig{}, false
	}
	ns := strings.ToLower(namespace)

	// Exact match is always preferred over any wildcard.
	if cfg, ok := patterns[ns]; ok {
		return ns, cfg, true
	}

	bestLen := -1
	var bestPattern string
	var bestCfg OperationConfig
	for pattern, cfg := range patterns {
		if !matchesWildcard(pattern, ns) {
			continue
		}
		if len(pattern) > bestLen {
			bestLen = len(pattern)
			bestPattern = pattern
			bestCfg = cfg
		}
	}
	if bestLen < 0 {
		return "", OperationConfig{}, false
	}
	return bestPattern, bestCfg, true
}
