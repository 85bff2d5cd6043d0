package dream

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Yumeko/internal/yumeko/config"
	"github.com/bdobrica/Yumeko/internal/yumeko/store"
)

// QuotaStore persists per-group quota counters across restarts. Implemented
// by *store.Store; a nil QuotaStore keeps the ledger memory-only.
type QuotaStore interface {
	LoadQuota(ctx context.Context, roomID string) (*store.QuotaRow, error)
	SaveQuota(ctx context.Context, row *store.QuotaRow) error
	DeleteQuota(ctx context.Context, roomID string) error
	DeleteAllQuotas(ctx context.Context) error
}

// quotaState is one group's in-memory quota view.
type quotaState struct {
	countToday    int
	lastDream     *time.Time
	lastResetDate string // local YYYY-MM-DD the counter was normalized against
	loaded        bool
}

// Snapshot is a read-only view of one group's quota, for status output.
type Snapshot struct {
	CountToday int
	LastDream  *time.Time
}

// Ledger tracks per-group dream quotas: how many dreams fired today and when
// the last one fired. The daily counter resets lazily — the first accessor
// that observes a local date different from the one recorded with the
// counter zeroes it, so no background timer is needed.
//
// All methods are safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	store  QuotaStore
	loc    *time.Location
	groups map[string]*quotaState
}

// NewLedger creates a Ledger persisting through qs (nil for memory-only).
// loc fixes the timezone used for the day boundary and window checks; nil
// means time.Local.
func NewLedger(qs QuotaStore, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.Local
	}
	return &Ledger{
		store:  qs,
		loc:    loc,
		groups: make(map[string]*quotaState),
	}
}

// CanDream reports whether the group may dream at the given instant under
// the supplied settings. All three conditions must hold: daily quota not
// exhausted, minimum spacing since the last dream elapsed, and the local
// time-of-day inside at least one window. A quota-state load failure counts
// as not eligible; skipping a dream is recoverable, exceeding the quota is
// not.
func (l *Ledger) CanDream(ctx context.Context, group string, at time.Time, s config.DreamSettings) bool {
	local := at.In(l.loc)

	inWindow := false
	for _, w := range s.Windows {
		if w.Contains(local) {
			inWindow = true
			break
		}
	}
	if !inWindow {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.loadLocked(ctx, group)
	if err != nil {
		slog.Warn("quota state unreadable, treating group as not eligible", "group", group, "err", err)
		return false
	}
	l.normalizeLocked(ctx, group, st, local)

	if st.countToday >= s.PerDay {
		return false
	}
	if st.lastDream != nil && s.MinInterval > 0 && at.Sub(*st.lastDream) < s.MinInterval {
		return false
	}
	return true
}

// RecordDream counts one emitted dream for the group at the given instant.
// The in-memory counter is authoritative; a persistence failure is returned
// for logging but does not undo the count.
func (l *Ledger) RecordDream(ctx context.Context, group string, at time.Time) error {
	local := at.In(l.loc)

	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.loadLocked(ctx, group)
	if err != nil {
		// Counting on top of unknown persisted state errs toward fewer
		// dreams, never more.
		slog.Warn("quota state unreadable, counting from zero", "group", group, "err", err)
		st = &quotaState{loaded: true}
		l.groups[group] = st
	}
	l.normalizeLocked(ctx, group, st, local)

	t := at
	st.countToday++
	st.lastDream = &t
	st.lastResetDate = local.Format(time.DateOnly)

	return l.persistLocked(ctx, group, st)
}

// Snapshot returns the group's current quota view, normalized against the
// given instant.
func (l *Ledger) Snapshot(ctx context.Context, group string, at time.Time) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.loadLocked(ctx, group)
	if err != nil {
		return Snapshot{}, err
	}
	l.normalizeLocked(ctx, group, st, at.In(l.loc))
	return Snapshot{CountToday: st.countToday, LastDream: st.lastDream}, nil
}

// Reset clears the group's quota state, both in memory and persisted. It is
// an administrative override independent of the day-boundary logic.
func (l *Ledger) Reset(ctx context.Context, group string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.groups, group)
	if l.store == nil {
		return nil
	}
	if err := l.store.DeleteQuota(ctx, group); err != nil {
		return fmt.Errorf("reset quota for %s: %w", group, err)
	}
	return nil
}

// ResetAll clears quota state for every group.
func (l *Ledger) ResetAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.groups = make(map[string]*quotaState)
	if l.store == nil {
		return nil
	}
	if err := l.store.DeleteAllQuotas(ctx); err != nil {
		return fmt.Errorf("reset all quotas: %w", err)
	}
	return nil
}

// loadLocked returns the group's state, pulling it from the persistence
// store on first access. Callers hold l.mu.
func (l *Ledger) loadLocked(ctx context.Context, group string) (*quotaState, error) {
	if st, ok := l.groups[group]; ok && st.loaded {
		return st, nil
	}

	st := &quotaState{loaded: true}
	if l.store != nil {
		row, err := l.store.LoadQuota(ctx, group)
		if err != nil {
			return nil, err
		}
		if row != nil {
			st.countToday = row.CountToday
			st.lastResetDate = row.LastResetDate
			if row.LastDream.Valid {
				t := row.LastDream.Time
				st.lastDream = &t
			}
		}
	}
	l.groups[group] = st
	return st, nil
}

// normalizeLocked applies the lazy day-boundary reset: when the recorded
// reset date differs from the current local date the daily counter goes back
// to zero. The last-dream timestamp survives the boundary — the spacing rule
// is about elapsed time, not calendar days. Callers hold l.mu.
func (l *Ledger) normalizeLocked(ctx context.Context, group string, st *quotaState, local time.Time) {
	today := local.Format(time.DateOnly)
	if st.lastResetDate == today {
		return
	}
	if st.lastResetDate != "" && st.countToday > 0 {
		slog.Info("daily dream counter reset", "group", group, "previous_date", st.lastResetDate, "previous_count", st.countToday)
	}
	st.countToday = 0
	st.lastResetDate = today
	if err := l.persistLocked(ctx, group, st); err != nil {
		slog.Warn("failed to persist day reset", "group", group, "err", err)
	}
}

// persistLocked writes the group's state through to the quota store.
// Callers hold l.mu.
func (l *Ledger) persistLocked(ctx context.Context, group string, st *quotaState) error {
	if l.store == nil {
		return nil
	}
	row := &store.QuotaRow{
		RoomID:        group,
		CountToday:    st.countToday,
		LastResetDate: st.lastResetDate,
	}
	if st.lastDream != nil {
		row.LastDream = sql.NullTime{Time: *st.lastDream, Valid: true}
	}
	if err := l.store.SaveQuota(ctx, row); err != nil {
		return fmt.Errorf("save quota for %s: %w", group, err)
	}
	return nil
}
