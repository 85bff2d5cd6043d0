package dream_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bdobrica/Yumeko/internal/yumeko/config"
	"github.com/bdobrica/Yumeko/internal/yumeko/dream"
	appstore "github.com/bdobrica/Yumeko/internal/yumeko/store"
)

const testRoom = "!night:example.com"

// newTestStore creates a temporary SQLite database for quota persistence
// tests, cleaned up when the test ends.
func newTestStore(t *testing.T) *appstore.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "yumeko-dream-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	s, err := appstore.New(f.Name())
	if err != nil {
		t.Fatalf("appstore.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// nightSettings returns dream settings with the given window list parsed.
func nightSettings(t *testing.T, windows string, perDay int, interval time.Duration) config.DreamSettings {
	t.Helper()
	parsed, err := config.ParseWindows(windows)
	if err != nil {
		t.Fatalf("ParseWindows(%q): %v", windows, err)
	}
	return config.DreamSettings{
		Enabled:     true,
		PerDay:      perDay,
		MinInterval: interval,
		Windows:     parsed,
	}
}

// clock builds an instant on the given day-of-month at the given UTC clock
// reading. Ledgers under test run in UTC so local date == UTC date.
func clock(day, hour, min int) time.Time {
	return time.Date(2025, 6, day, hour, min, 0, 0, time.UTC)
}

// TestCanDreamNightWindow walks one room through a night: eligible inside
// the window, quota consumed by a recorded dream, eligible again after the
// day boundary.
func TestCanDreamNightWindow(t *testing.T) {
	l := dream.NewLedger(nil, time.UTC)
	ctx := context.Background()
	s := nightSettings(t, "03:00-04:00", 1, time.Hour)

	if !l.CanDream(ctx, testRoom, clock(14, 3, 10), s) {
		t.Error("03:10 inside the window with fresh quota should be eligible")
	}

	if err := l.RecordDream(ctx, testRoom, clock(14, 3, 10)); err != nil {
		t.Fatalf("RecordDream: %v", err)
	}

	if l.CanDream(ctx, testRoom, clock(14, 3, 30), s) {
		t.Error("03:30 same night should be blocked, quota used")
	}

	if !l.CanDream(ctx, testRoom, clock(15, 3, 10), s) {
		t.Error("03:10 next day should be eligible again after the day reset")
	}
}

// TestCanDreamMidnightWrapWindow verifies eligibility inside a window that
// wraps past midnight: 23:30-00:30 must contain 00:10.
func TestCanDreamMidnightWrapWindow(t *testing.T) {
	l := dream.NewLedger(nil, time.UTC)
	ctx := context.Background()
	s := nightSettings(t, "23:30-00:30", 1, 0)

	if !l.CanDream(ctx, testRoom, clock(14, 0, 10), s) {
		t.Error("00:10 should fall inside the wrapped window")
	}
	if l.CanDream(ctx, testRoom, clock(14, 1, 0), s) {
		t.Error("01:00 should fall outside the wrapped window")
	}
}

// TestCanDreamOutsideWindow verifies that the window condition alone blocks
// an otherwise fresh room.
func TestCanDreamOutsideWindow(t *testing.T) {
	l := dream.NewLedger(nil, time.UTC)
	ctx := context.Background()
	s := nightSettings(t, "03:00-04:00", 5, 0)

	if l.CanDream(ctx, testRoom, clock(14, 12, 0), s) {
		t.Error("noon should not be eligible for a 03:00-04:00 window")
	}
}

// TestCanDreamNoWindows verifies that an empty window list means dreams
// never fire.
func TestCanDreamNoWindows(t *testing.T) {
	l := dream.NewLedger(nil, time.UTC)
	ctx := context.Background()
	s := config.DreamSettings{Enabled: true, PerDay: 5}

	if l.CanDream(ctx, testRoom, clock(14, 3, 10), s) {
		t.Error("no configured windows should mean never eligible")
	}
}

// TestCanDreamMinimumSpacing verifies that a recorded dream immediately
// blocks the room while the spacing interval runs, independent of quota.
func TestCanDreamMinimumSpacing(t *testing.T) {
	l := dream.NewLedger(nil, time.UTC)
	ctx := context.Background()
	// Wide window and quota so spacing is the only limiter.
	s := nightSettings(t, "00:00-23:59", 10, time.Hour)

	if err := l.RecordDream(ctx, testRoom, clock(14, 10, 0)); err != nil {
		t.Fatalf("RecordDream: %v", err)
	}

	if l.CanDream(ctx, testRoom, clock(14, 10, 0), s) {
		t.Error("immediately after a dream the room should be blocked")
	}
	if l.CanDream(ctx, testRoom, clock(14, 10, 59), s) {
		t.Error("59 minutes after a dream the room should still be blocked")
	}
	if !l.CanDream(ctx, testRoom, clock(14, 11, 0), s) {
		t.Error("one hour after a dream the room should be eligible again")
	}
}

// TestGroupsIndependent verifies one room's quota does not touch another's.
func TestGroupsIndependent(t *testing.T) {
	l := dream.NewLedger(nil, time.UTC)
	ctx := context.Background()
	s := nightSettings(t, "03:00-04:00", 1, 0)

	if err := l.RecordDream(ctx, "!a:example.com", clock(14, 3, 10)); err != nil {
		t.Fatalf("RecordDream: %v", err)
	}

	if l.CanDream(ctx, "!a:example.com", clock(14, 3, 20), s) {
		t.Error("room a should have used its quota")
	}
	if !l.CanDream(ctx, "!b:example.com", clock(14, 3, 20), s) {
		t.Error("room b should be untouched by room a's dream")
	}
}

// TestQuotaPersistsAcrossRestart verifies that a recorded dream survives a
// ledger rebuild over the same database, so a restart cannot double a
// room's nightly budget.
func TestQuotaPersistsAcrossRestart(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	s := nightSettings(t, "03:00-04:00", 1, 0)

	l1 := dream.NewLedger(db, time.UTC)
	if err := l1.RecordDream(ctx, testRoom, clock(14, 3, 10)); err != nil {
		t.Fatalf("RecordDream: %v", err)
	}

	// Simulated restart: fresh ledger, same store.
	l2 := dream.NewLedger(db, time.UTC)
	if l2.CanDream(ctx, testRoom, clock(14, 3, 30), s) {
		t.Error("restarted ledger should still see the quota as used")
	}

	snap, err := l2.Snapshot(ctx, testRoom, clock(14, 3, 30))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.CountToday != 1 {
		t.Errorf("CountToday = %d, want 1", snap.CountToday)
	}
	if snap.LastDream == nil || !snap.LastDream.Equal(clock(14, 3, 10)) {
		t.Errorf("LastDream = %v, want %v", snap.LastDream, clock(14, 3, 10))
	}
}

// TestLazyDayResetOverPersistedState verifies that stale persisted state
// (yesterday's count) is normalized on first access after the boundary.
func TestLazyDayResetOverPersistedState(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	s := nightSettings(t, "03:00-04:00", 1, 0)

	l1 := dream.NewLedger(db, time.UTC)
	if err := l1.RecordDream(ctx, testRoom, clock(14, 3, 10)); err != nil {
		t.Fatalf("RecordDream: %v", err)
	}

	l2 := dream.NewLedger(db, time.UTC)
	if !l2.CanDream(ctx, testRoom, clock(15, 3, 10), s) {
		t.Error("next day over persisted state should be eligible again")
	}

	snap, err := l2.Snapshot(ctx, testRoom, clock(15, 3, 10))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.CountToday != 0 {
		t.Errorf("CountToday after day reset = %d, want 0", snap.CountToday)
	}
	// The last-dream timestamp survives the boundary; only the counter
	// resets.
	if snap.LastDream == nil {
		t.Error("LastDream should survive the day reset")
	}
}

// TestReset verifies the administrative override clears one room, in memory
// and persisted, without touching other rooms.
func TestReset(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	s := nightSettings(t, "03:00-04:00", 1, time.Hour)

	l := dream.NewLedger(db, time.UTC)
	if err := l.RecordDream(ctx, "!a:example.com", clock(14, 3, 10)); err != nil {
		t.Fatalf("RecordDream(a): %v", err)
	}
	if err := l.RecordDream(ctx, "!b:example.com", clock(14, 3, 10)); err != nil {
		t.Fatalf("RecordDream(b): %v", err)
	}

	if err := l.Reset(ctx, "!a:example.com"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if !l.CanDream(ctx, "!a:example.com", clock(14, 3, 30), s) {
		t.Error("room a should be eligible again after reset")
	}
	if l.CanDream(ctx, "!b:example.com", clock(14, 3, 30), s) {
		t.Error("room b should be unaffected by room a's reset")
	}

	// The reset reaches the database too.
	l2 := dream.NewLedger(db, time.UTC)
	if !l2.CanDream(ctx, "!a:example.com", clock(14, 3, 30), s) {
		t.Error("reset should have cleared the persisted state")
	}
}

// TestResetAll verifies the all-rooms override.
func TestResetAll(t *testing.T) {
	l := dream.NewLedger(newTestStore(t), time.UTC)
	ctx := context.Background()
	s := nightSettings(t, "03:00-04:00", 1, time.Hour)

	for _, room := range []string{"!a:example.com", "!b:example.com"} {
		if err := l.RecordDream(ctx, room, clock(14, 3, 10)); err != nil {
			t.Fatalf("RecordDream(%s): %v", room, err)
		}
	}

	if err := l.ResetAll(ctx); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}

	for _, room := range []string{"!a:example.com", "!b:example.com"} {
		if !l.CanDream(ctx, room, clock(14, 3, 30), s) {
			t.Errorf("room %s should be eligible again after ResetAll", room)
		}
	}
}
