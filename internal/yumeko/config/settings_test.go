package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/bdobrica/Yumeko/internal/yumeko/config"
)

// testDefaults returns a Defaults value with every knob set away from its
// zero value, so override tests can tell defaults and overrides apart.
func testDefaults(t *testing.T) config.Defaults {
	t.Helper()
	windows, err := config.ParseWindows("02:00-05:00")
	if err != nil {
		t.Fatalf("ParseWindows: %v", err)
	}
	return config.Defaults{
		DreamEnabled:       true,
		DreamsPerDay:       1,
		MinIntervalMinutes: 240,
		Windows:            windows,
		ReplayFetchCount:   50,
		ReplayMarkers:      true,
	}
}

// TestIsPermittedKey verifies the allowlist accepts every published key and
// nothing else.
func TestIsPermittedKey(t *testing.T) {
	for _, k := range config.PermittedKeys {
		if !config.IsPermittedKey(k) {
			t.Errorf("IsPermittedKey(%q) = false, want true", k)
		}
	}
	for _, k := range []string{"", "dream", "dream.per_day", "nlp.model", "dream.enabled "} {
		if config.IsPermittedKey(k) {
			t.Errorf("IsPermittedKey(%q) = true, want false", k)
		}
	}
}

// TestValidate verifies per-key validation: accepted forms pass, malformed
// or out-of-range values are rejected.
func TestValidate(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		wantErr bool
	}{
		{config.KeyDreamEnabled, "true", false},
		{config.KeyDreamEnabled, "false", false},
		{config.KeyDreamEnabled, "yes", true},
		{config.KeyDreamPerDay, "0", false},
		{config.KeyDreamPerDay, "24", false},
		{config.KeyDreamPerDay, "25", true},
		{config.KeyDreamPerDay, "-1", true},
		{config.KeyDreamPerDay, "two", true},
		{config.KeyDreamInterval, "0", false},
		{config.KeyDreamInterval, "1440", false},
		{config.KeyDreamInterval, "1441", true},
		{config.KeyDreamWindows, "02:00-05:00", false},
		{config.KeyDreamWindows, "23:30-00:30,13:00-14:00", false},
		{config.KeyDreamWindows, "2am-5am", true},
		{config.KeyDreamWindows, "", true},
		{config.KeyReplayFetch, "1", false},
		{config.KeyReplayFetch, "200", false},
		{config.KeyReplayFetch, "0", true},
		{config.KeyReplayFetch, "201", true},
		{config.KeyReplayMarkers, "false", false},
		{config.KeyReplayMarkers, "maybe", true},
		{"unknown.key", "x", true},
	}

	for _, tt := range tests {
		err := config.Validate(tt.key, tt.value)
		if tt.wantErr && err == nil {
			t.Errorf("Validate(%q, %q): expected error, got nil", tt.key, tt.value)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("Validate(%q, %q): %v", tt.key, tt.value, err)
		}
	}
}

// TestResolverDefaults verifies that an empty store resolves to the boot
// defaults.
func TestResolverDefaults(t *testing.T) {
	store := newTestStore(t)
	resolver := config.NewResolver(store, testDefaults(t))
	ctx := context.Background()

	dream := resolver.Dream(ctx)
	if !dream.Enabled {
		t.Error("Enabled: got false, want default true")
	}
	if dream.PerDay != 1 {
		t.Errorf("PerDay: got %d, want 1", dream.PerDay)
	}
	if dream.MinInterval != 240*time.Minute {
		t.Errorf("MinInterval: got %v, want 240m", dream.MinInterval)
	}
	if len(dream.Windows) != 1 || dream.Windows[0].Start != 120 {
		t.Errorf("Windows: got %+v, want [02:00-05:00]", dream.Windows)
	}

	replay := resolver.Replay(ctx)
	if replay.FetchCount != 50 {
		t.Errorf("FetchCount: got %d, want 50", replay.FetchCount)
	}
	if !replay.Markers {
		t.Error("Markers: got false, want default true")
	}
}

// TestResolverOverrides verifies that stored values win over defaults and
// that a later unset restores the default.
func TestResolverOverrides(t *testing.T) {
	store := newTestStore(t)
	resolver := config.NewResolver(store, testDefaults(t))
	ctx := context.Background()

	sets := map[string]string{
		config.KeyDreamEnabled:  "false",
		config.KeyDreamPerDay:   "3",
		config.KeyDreamInterval: "60",
		config.KeyDreamWindows:  "22:00-23:00",
		config.KeyReplayFetch:   "120",
		config.KeyReplayMarkers: "false",
	}
	for k, v := range sets {
		if err := store.Set(ctx, k, v); err != nil {
			t.Fatalf("Set(%q): %v", k, err)
		}
	}

	dream := resolver.Dream(ctx)
	if dream.Enabled {
		t.Error("Enabled: override to false not applied")
	}
	if dream.PerDay != 3 {
		t.Errorf("PerDay: got %d, want 3", dream.PerDay)
	}
	if dream.MinInterval != time.Hour {
		t.Errorf("MinInterval: got %v, want 1h", dream.MinInterval)
	}
	if len(dream.Windows) != 1 || dream.Windows[0].String() != "22:00-23:00" {
		t.Errorf("Windows: got %+v, want [22:00-23:00]", dream.Windows)
	}

	replay := resolver.Replay(ctx)
	if replay.FetchCount != 120 {
		t.Errorf("FetchCount: got %d, want 120", replay.FetchCount)
	}
	if replay.Markers {
		t.Error("Markers: override to false not applied")
	}

	// Unsetting returns the knob to its default on the next read.
	if err := store.Delete(ctx, config.KeyDreamPerDay); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := resolver.Dream(ctx).PerDay; got != 1 {
		t.Errorf("PerDay after unset: got %d, want default 1", got)
	}
}

// TestResolverUnparseableFallsBack verifies that a stored value that does not
// parse (possible only via manual database edits) is ignored in favor of the
// default instead of poisoning the snapshot.
func TestResolverUnparseableFallsBack(t *testing.T) {
	store := newTestStore(t)
	resolver := config.NewResolver(store, testDefaults(t))
	ctx := context.Background()

	// Bypass Validate, as a stray UPDATE statement would.
	if err := store.Set(ctx, config.KeyDreamPerDay, "banana"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, config.KeyDreamWindows, "not-a-window"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	dream := resolver.Dream(ctx)
	if dream.PerDay != 1 {
		t.Errorf("PerDay: got %d, want default 1", dream.PerDay)
	}
	if len(dream.Windows) != 1 || dream.Windows[0].Start != 120 {
		t.Errorf("Windows: got %+v, want default [02:00-05:00]", dream.Windows)
	}
}
