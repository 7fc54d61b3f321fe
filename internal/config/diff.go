package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TranscriptChanged reports whether any of the three transcript
	// tunables safe to apply without restarting an in-flight session
	// changed: rate_limit.rpm, throttle.partial_ms, queue.max_concurrent.
	// Everything else under Transcript (dedup windows, forced-commit
	// timings, rtt sampling) is read once at session construction and
	// requires a new session to pick up a change.
	TranscriptChanged  bool
	NewRateLimitRPM    uint32
	NewThrottlePartial uint32
	NewQueueConcurrent int
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Transcript hot-reloadable tunables.
	if old.Transcript.RateLimit.RPM != new.Transcript.RateLimit.RPM {
		d.TranscriptChanged = true
		d.NewRateLimitRPM = new.Transcript.RateLimit.RPM
	}
	if old.Transcript.Throttle.PartialMS != new.Transcript.Throttle.PartialMS {
		d.TranscriptChanged = true
		d.NewThrottlePartial = new.Transcript.Throttle.PartialMS
	}
	if old.Transcript.Queue.MaxConcurrent != new.Transcript.Queue.MaxConcurrent {
		d.TranscriptChanged = true
		d.NewQueueConcurrent = new.Transcript.Queue.MaxConcurrent
	}

	return d
}
