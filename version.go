package probelight

// Version information for the ProbeLight instrumentation library
const (
	// Version is the current library version
	Version = "0.1.0"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
