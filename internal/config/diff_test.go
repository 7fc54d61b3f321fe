package config_test

import (
	"testing"

	"github.com/opendictate/transvox/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:     config.ServerConfig{LogLevel: config.LogInfo},
		Transcript: config.TranscriptConfig{RateLimit: config.RateLimitConfig{RPM: 4500}},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.TranscriptChanged {
		t.Error("expected TranscriptChanged=false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_TranscriptRateLimitRPMChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Transcript: config.TranscriptConfig{
		RateLimit: config.RateLimitConfig{RPM: 4500},
	}}
	new := &config.Config{Transcript: config.TranscriptConfig{
		RateLimit: config.RateLimitConfig{RPM: 2000},
	}}

	d := config.Diff(old, new)
	if !d.TranscriptChanged {
		t.Error("expected TranscriptChanged=true")
	}
	if d.NewRateLimitRPM != 2000 {
		t.Errorf("NewRateLimitRPM = %d, want 2000", d.NewRateLimitRPM)
	}
}

func TestDiff_TranscriptThrottlePartialChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Transcript: config.TranscriptConfig{
		Throttle: config.ThrottleConfig{PartialMS: 2000},
	}}
	new := &config.Config{Transcript: config.TranscriptConfig{
		Throttle: config.ThrottleConfig{PartialMS: 500},
	}}

	d := config.Diff(old, new)
	if !d.TranscriptChanged {
		t.Error("expected TranscriptChanged=true")
	}
	if d.NewThrottlePartial != 500 {
		t.Errorf("NewThrottlePartial = %d, want 500", d.NewThrottlePartial)
	}
}

func TestDiff_TranscriptQueueConcurrentChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Transcript: config.TranscriptConfig{
		Queue: config.QueueConfig{MaxConcurrent: 4},
	}}
	new := &config.Config{Transcript: config.TranscriptConfig{
		Queue: config.QueueConfig{MaxConcurrent: 8},
	}}

	d := config.Diff(old, new)
	if !d.TranscriptChanged {
		t.Error("expected TranscriptChanged=true")
	}
	if d.NewQueueConcurrent != 8 {
		t.Errorf("NewQueueConcurrent = %d, want 8", d.NewQueueConcurrent)
	}
}

func TestDiff_TranscriptUnchangedFieldsDoNotTrigger(t *testing.T) {
	t.Parallel()
	old := &config.Config{Transcript: config.TranscriptConfig{
		Dedup: config.DedupConfig{WindowMS: 5000},
	}}
	new := &config.Config{Transcript: config.TranscriptConfig{
		Dedup: config.DedupConfig{WindowMS: 9000},
	}}

	d := config.Diff(old, new)
	if d.TranscriptChanged {
		t.Error("expected TranscriptChanged=false: dedup.window_ms is not hot-reloadable")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server:     config.ServerConfig{LogLevel: config.LogInfo},
		Transcript: config.TranscriptConfig{RateLimit: config.RateLimitConfig{RPM: 4500}},
	}
	new := &config.Config{
		Server:     config.ServerConfig{LogLevel: config.LogWarn},
		Transcript: config.TranscriptConfig{RateLimit: config.RateLimitConfig{RPM: 1000}},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.TranscriptChanged {
		t.Error("expected TranscriptChanged=true")
	}
	if d.NewRateLimitRPM != 1000 {
		t.Errorf("NewRateLimitRPM = %d, want 1000", d.NewRateLimitRPM)
	}
}
