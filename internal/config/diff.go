package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; everything else is
// collected in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TargetsChanged bool
	NewTargets     []string

	// RestartRequired names the sections that changed but only take effect
	// after a restart (e.g. "server.listen_addr", "providers").
	RestartRequired []string
}

// Empty reports whether d contains no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TargetsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.Captions.TargetLanguages, new.Captions.TargetLanguages) {
		d.TargetsChanged = true
		d.NewTargets = slices.Clone(new.Captions.TargetLanguages)
	}

	restart := func(section string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, section)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS))
	restart("server.cors_origins", !slices.Equal(old.Server.CORSOrigins, new.Server.CORSOrigins))

	oldCaps, newCaps := old.Captions, new.Captions
	oldCaps.TargetLanguages, newCaps.TargetLanguages = nil, nil
	restart("captions", !reflect.DeepEqual(oldCaps, newCaps))
	restart("ingest", old.Ingest != new.Ingest)
	restart("providers", !reflect.DeepEqual(old.Providers, new.Providers))

	return d
}
