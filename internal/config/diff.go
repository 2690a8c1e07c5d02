package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; device, transport
// and pipeline changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ListeningModeChanged bool
	NewListeningMode     ListeningMode

	WakeWordChanged bool
	NewWakeWord     string
}

// Empty reports whether the diff contains no hot-reloadable changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ListeningModeChanged && !d.WakeWordChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}
	if old.Listening.Mode != new.Listening.Mode {
		d.ListeningModeChanged = true
		d.NewListeningMode = new.Listening.Mode
	}
	if old.WakeWord != new.WakeWord {
		d.WakeWordChanged = true
		d.NewWakeWord = new.WakeWord
	}

	return d
}
