package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNamespaceOf(t *testing.T) {
	assert.Equal(t, "MyApp.Orders", namespaceOf("MyApp.Orders.Processor"))
	assert.Equal(t, "MyApp", namespaceOf("MyApp.Processor"))
	assert.Equal(t, "", namespaceOf("Processor"))
	assert.Equal(t, "", namespaceOf(""))
}

func TestMatchesWildcard(t *testing.T) {
	tests := []struct {
		pattern   string
		namespace string
		want      bool
	}{
		{"myapp.*", "myapp", true},         // wildcard matches the prefix itself
		{"myapp.*", "myapp.orders", true},  // and anything under it
		{"myapp.*", "myapplication", false}, // but not a longer sibling name
		{"myapp.orders.*", "myapp", false},
		{"myapp", "myapp", false}, // exact patterns are not wildcard matches
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchesWildcard(tt.pattern, tt.namespace),
			"pattern %q vs namespace %q", tt.pattern, tt.namespace)
	}
}

func TestBestNamespaceMatchPrefersExact(t *testing.T) {
	rate := func(v float64) OperationConfig { return Override().WithSamplingRate(v) }
	patterns := map[string]OperationConfig{
		"myapp.*":        rate(0.1),
		"myapp.orders.*": rate(0.2),
		"myapp.orders":   rate(0.3),
	}

	pattern, cfg, ok := bestNamespaceMatch(patterns, "MyApp.Orders")
	assert.True(t, ok)
	assert.Equal(t, "myapp.orders", pattern)
	assert.Equal(t, 0.3, *cfg.SamplingRate)
}

func TestBestNamespaceMatchLongestWildcard(t *testing.T) {
	rate := func(v float64) OperationConfig { return Override().WithSamplingRate(v) }
	patterns := map[string]OperationConfig{
		"myapp.*":        rate(0.1),
		"myapp.orders.*": rate(0.2),
	}

	pattern, cfg, ok := bestNamespaceMatch(patterns, "myapp.orders.batch")
	assert.True(t, ok)
	assert.Equal(t, "myapp.orders.*", pattern)
	assert.Equal(t, 0.2, *cfg.SamplingRate)
}

func TestBestNamespaceMatchNone(t *testing.T) {
	patterns := map[string]OperationConfig{
		"other.*": Override().WithSamplingRate(0.1),
	}
	_, _, ok := bestNamespaceMatch(patterns, "myapp.orders")
	assert.False(t, ok)

	_, _, ok = bestNamespaceMatch(patterns, "")
	assert.False(t, ok)
}
