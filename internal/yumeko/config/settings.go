package config

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Runtime-tunable keys accepted by the command boundary.
const (
	KeyDreamEnabled  = "dream.enabled"
	KeyDreamPerDay   = "dream.per-day"
	KeyDreamInterval = "dream.min-interval-minutes"
	KeyDreamWindows  = "dream.windows"
	KeyReplayFetch   = "replay.fetch-count"
	KeyReplayMarkers = "replay.markers"
)

// PermittedKeys is the allowlist of runtime-tunable knobs, in display order.
// Unknown keys are rejected at the command boundary so a typo cannot plant
// dead configuration.
var PermittedKeys = []string{
	KeyDreamEnabled,
	KeyDreamPerDay,
	KeyDreamInterval,
	KeyDreamWindows,
	KeyReplayFetch,
	KeyReplayMarkers,
}

// IsPermittedKey reports whether key is in the allowlist.
func IsPermittedKey(key string) bool {
	for _, k := range PermittedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Validate checks a candidate value for key before it is stored. The error
// message is written for operators: it names the expected form and range.
// A rejected value is never stored, so the previous configuration stays in
// effect.
func Validate(key, value string) error {
	switch key {
	case KeyDreamEnabled, KeyReplayMarkers:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%s must be true or false, got %q", key, value)
		}
	case KeyDreamPerDay:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 24 {
			return fmt.Errorf("%s must be an integer between 0 and 24, got %q", key, value)
		}
	case KeyDreamInterval:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 1440 {
			return fmt.Errorf("%s must be minutes between 0 and 1440, got %q", key, value)
		}
	case KeyReplayFetch:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 200 {
			return fmt.Errorf("%s must be an integer between 1 and 200, got %q", key, value)
		}
	case KeyDreamWindows:
		windows, err := ParseWindows(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if len(windows) == 0 {
			return fmt.Errorf("%s must contain at least one HH:MM-HH:MM window", key)
		}
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

// Defaults holds the boot-time settings loaded from the environment. Every
// field can be overridden at runtime through the corresponding config key.
type Defaults struct {
	DreamEnabled       bool
	DreamsPerDay       int
	MinIntervalMinutes int
	Windows            []Window
	ReplayFetchCount   int
	ReplayMarkers      bool
}

// DreamSettings is a resolved snapshot of the dream-related knobs.
type DreamSettings struct {
	Enabled     bool
	PerDay      int
	MinInterval time.Duration
	Windows     []Window
}

// ReplaySettings is a resolved snapshot of the replay-related knobs.
type ReplaySettings struct {
	FetchCount int
	Markers    bool
}

// Resolver merges the boot defaults with runtime overrides from the config
// store. Each call reads the store so that a `config set` takes effect on
// the next scheduler tick without a restart.
type Resolver struct {
	store    Store
	defaults Defaults
}

// NewResolver creates a Resolver over the given store and defaults.
func NewResolver(store Store, defaults Defaults) *Resolver {
	return &Resolver{store: store, defaults: defaults}
}

// Dream returns the current dream settings. Store read failures and
// unparseable stored values fall back to the defaults; the command boundary
// validates writes, so the latter only happens after manual database edits.
func (r *Resolver) Dream(ctx context.Context) DreamSettings {
	out := DreamSettings{
		Enabled:     r.defaults.DreamEnabled,
		PerDay:      r.defaults.DreamsPerDay,
		MinInterval: time.Duration(r.defaults.MinIntervalMinutes) * time.Minute,
		Windows:     r.defaults.Windows,
	}

	stored := r.snapshot(ctx)
	if v, ok := stored[KeyDreamEnabled]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			out.Enabled = b
		} else {
			slog.Warn("config: ignoring unparseable stored value", "key", KeyDreamEnabled, "value", v)
		}
	}
	if v, ok := stored[KeyDreamPerDay]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			out.PerDay = n
		} else {
			slog.Warn("config: ignoring unparseable stored value", "key", KeyDreamPerDay, "value", v)
		}
	}
	if v, ok := stored[KeyDreamInterval]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			out.MinInterval = time.Duration(n) * time.Minute
		} else {
			slog.Warn("config: ignoring unparseable stored value", "key", KeyDreamInterval, "value", v)
		}
	}
	if v, ok := stored[KeyDreamWindows]; ok {
		if windows, err := ParseWindows(v); err == nil && len(windows) > 0 {
			out.Windows = windows
		} else {
			slog.Warn("config: ignoring unparseable stored value", "key", KeyDreamWindows, "value", v)
		}
	}
	return out
}

// Replay returns the current replay settings, with the same fallback rules
// as Dream.
func (r *Resolver) Replay(ctx context.Context) ReplaySettings {
	out := ReplaySettings{
		FetchCount: r.defaults.ReplayFetchCount,
		Markers:    r.defaults.ReplayMarkers,
	}

	stored := r.snapshot(ctx)
	if v, ok := stored[KeyReplayFetch]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			out.FetchCount = n
		} else {
			slog.Warn("config: ignoring unparseable stored value", "key", KeyReplayFetch, "value", v)
		}
	}
	if v, ok := stored[KeyReplayMarkers]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			out.Markers = b
		} else {
			slog.Warn("config: ignoring unparseable stored value", "key", KeyReplayMarkers, "value", v)
		}
	}
	return out
}

// snapshot lists the store, returning an empty map on failure so callers
// degrade to defaults instead of erroring.
func (r *Resolver) snapshot(ctx context.Context) map[string]string {
	stored, err := r.store.List(ctx)
	if err != nil {
		slog.Warn("config: falling back to defaults, store unreadable", "err", err)
		return map[string]string{}
	}
	return stored
}
