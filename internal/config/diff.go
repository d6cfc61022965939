package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the top-level sections that changed but are
	// only read at startup.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed. Only the log
// level is applied without a restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"capture", old.Capture, new.Capture},
		{"worker", old.Worker, new.Worker},
		{"platforms", old.Platforms, new.Platforms},
		{"meeting_api", old.MeetingAPI, new.MeetingAPI},
		{"database", old.Database, new.Database},
		{"storage", old.Storage, new.Storage},
		{"level", old.Level, new.Level},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
