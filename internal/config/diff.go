package config

import "github.com/google/go-cmp/cmp"

// ConfigDiff describes what changed between two configs.
// Only the log level can be applied without a restart; every other changed
// top-level block is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the changed blocks that only take effect after
	// a restart (e.g. "providers", "pool").
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	blocks := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"providers", old.Providers, new.Providers},
		{"generator", old.Generator, new.Generator},
		{"pool", old.Pool, new.Pool},
		{"sections", old.Sections, new.Sections},
		{"telemetry", old.Telemetry, new.Telemetry},
	}
	for _, b := range blocks {
		if !cmp.Equal(b.old, b.new) {
			d.RestartRequired = append(d.RestartRequired, b.name)
		}
	}
	return d
}
