// Package dream implements Yumeko's scheduled dreaming: a poll-driven state
// machine that, per room, waits for a configured nightly window, checks the
// daily quota and minimum spacing, takes the process-wide activity gate,
// generates a dream from recent conversation context and the persona, and
// emits it as a single titled message.
//
// The gate (Mutex) is shared with the host's planning path: while a dream is
// in flight, planning passes skip instead of blocking. A failed generation
// or emission releases the gate and leaves the quota untouched, so a bad
// night never eats a room's dream budget.
package dream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Yumeko/internal/yumeko/config"
	"github.com/bdobrica/Yumeko/internal/yumeko/store"
)

const (
	// DefaultPollInterval is the scheduler tick period when none is
	// configured. Ticks must be frequent relative to the windows and the
	// minimum spacing so an eligible room is never starved.
	DefaultPollInterval = time.Minute

	// defaultContextFetch rows are pulled from the archive per dream;
	// defaultContextLines of them (the most recent) feed the prompt.
	defaultContextFetch = 20
	defaultContextLines = 10

	// contextBodyLimit caps each prompt line's body, in runes.
	contextBodyLimit = 50
)

// ErrBusy reports that another dream is already in flight.
var ErrBusy = errors.New("dream: another dream is already in flight")

// SettingsSource supplies the current dream knobs; implemented by
// *config.Resolver. Read once per tick so runtime config changes apply
// without a restart.
type SettingsSource interface {
	Dream(ctx context.Context) config.DreamSettings
}

// Archive is the slice of the data store the scheduler touches: recent
// conversation context in, emitted dream records out. Implemented by
// *store.Store.
type Archive interface {
	RecentMessages(ctx context.Context, roomID string, limit int) ([]*store.Message, error)
	InsertDream(ctx context.Context, rec *store.DreamRecord) error
}

// Sender delivers a finished dream to the platform as one aggregated unit.
// Implemented by the Matrix client.
type Sender interface {
	SendDream(ctx context.Context, room, title, content string) error
}

// SchedulerConfig wires the scheduler's dependencies and knobs.
type SchedulerConfig struct {
	// Groups are the room IDs evaluated each tick, independently.
	Groups []string

	// PollInterval is the tick period; 0 means DefaultPollInterval.
	PollInterval time.Duration

	// BotName and Personality feed the generation prompt.
	BotName     string
	Personality string

	// ContextFetch/ContextLines bound the conversation digest; 0 means the
	// package defaults.
	ContextFetch int
	ContextLines int

	Settings SettingsSource
	Ledger   *Ledger
	Mutex    *Mutex
	Provider Provider
	Archive  Archive
	Sender   Sender

	// Now overrides the scheduler's clock; nil means time.Now.
	Now func() time.Time
}

// Scheduler drives the per-room dream state machine off a fixed-period tick.
type Scheduler struct {
	cfg SchedulerConfig
}

// NewScheduler creates a Scheduler. A nil Provider is tolerated: every
// attempt then fails with a descriptive error, which keeps the admin `dream
// test` path answerable even when no generation credential is configured.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ContextFetch <= 0 {
		cfg.ContextFetch = defaultContextFetch
	}
	if cfg.ContextLines <= 0 {
		cfg.ContextLines = defaultContextLines
	}
	return &Scheduler{cfg: cfg}
}

// Run polls until ctx is cancelled. A tick that finds no eligible room is a
// no-op; the loop itself never returns an error.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("dream scheduler started",
		"interval", s.cfg.PollInterval,
		"groups", len(s.cfg.Groups))

	for {
		select {
		case <-ctx.Done():
			slog.Info("dream scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every configured room once against the current settings.
// Rooms are independent: one room dreaming only delays the others to the
// next tick, it never disqualifies them.
func (s *Scheduler) Tick(ctx context.Context) {
	settings := s.cfg.Settings.Dream(ctx)
	if !settings.Enabled {
		return
	}

	now := s.now()
	for _, group := range s.cfg.Groups {
		if !s.cfg.Ledger.CanDream(ctx, group, now, settings) {
			continue
		}
		if !s.cfg.Mutex.TryAcquire() {
			// Another dream holds the gate. The room stays eligible and is
			// retried next tick.
			slog.Debug("dream gate busy, retrying next tick", "group", group)
			continue
		}
		if err := s.attempt(ctx, group, false); err != nil {
			slog.Error("dream attempt failed", "group", group, "err", err)
		}
	}
}

// ForceDream runs one dream for the room immediately, bypassing the window,
// quota and spacing checks. It still takes the activity gate — two dreams
// never overlap — and it never consumes quota, so a test dream does not eat
// the night's real one. Returns ErrBusy when a dream is already in flight.
func (s *Scheduler) ForceDream(ctx context.Context, group string) error {
	if !s.cfg.Mutex.TryAcquire() {
		return ErrBusy
	}
	return s.attempt(ctx, group, true)
}

// attempt runs one GENERATING→EMITTING cycle for the room. The caller must
// hold the activity gate; attempt releases it on every exit path. Quota is
// recorded only after a successful emission, and never for forced dreams.
func (s *Scheduler) attempt(ctx context.Context, group string, forced bool) error {
	defer s.cfg.Mutex.Release()

	if s.cfg.Provider == nil {
		return fmt.Errorf("dream generation is not configured (no API key)")
	}

	slog.Info("dreaming", "group", group, "forced", forced)

	content, err := s.cfg.Provider.GenerateDream(ctx, GenerateRequest{
		BotName:     s.cfg.BotName,
		Personality: s.cfg.Personality,
		ChatContext: s.chatContext(ctx, group),
	})
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	title := fmt.Sprintf("%s's dream", s.cfg.BotName)
	if err := s.cfg.Sender.SendDream(ctx, group, title, content); err != nil {
		return fmt.Errorf("emit: %w", err)
	}

	at := s.now()
	if !forced {
		if err := s.cfg.Ledger.RecordDream(ctx, group, at); err != nil {
			slog.Warn("dream emitted but quota persistence failed", "group", group, "err", err)
		}
	}

	rec := &store.DreamRecord{
		ID:        uuid.New().String(),
		RoomID:    group,
		Content:   content,
		Forced:    forced,
		CreatedAt: at,
	}
	if s.cfg.Archive != nil {
		if err := s.cfg.Archive.InsertDream(ctx, rec); err != nil {
			slog.Warn("dream log write failed", "group", group, "err", err)
		}
	}

	slog.Info("dream emitted", "group", group, "forced", forced, "length", len(content))
	return nil
}

// chatContext digests the room's recent history into prompt lines, one
// "sender: body" per message, oldest first, bodies truncated. A room with no
// usable history yields an empty digest; the provider substitutes its
// quiet-room text.
func (s *Scheduler) chatContext(ctx context.Context, group string) string {
	if s.cfg.Archive == nil {
		return ""
	}
	msgs, err := s.cfg.Archive.RecentMessages(ctx, group, s.cfg.ContextFetch)
	if err != nil {
		slog.Warn("context fetch failed, dreaming without history", "group", group, "err", err)
		return ""
	}

	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		body := strings.TrimSpace(m.Body)
		if body == "" {
			continue
		}
		lines = append(lines, localpart(m.Sender)+": "+truncateRunes(body, contextBodyLimit))
	}
	if len(lines) > s.cfg.ContextLines {
		lines = lines[len(lines)-s.cfg.ContextLines:]
	}
	return strings.Join(lines, "\n")
}

func (s *Scheduler) now() time.Time {
	if s.cfg.Now != nil {
		return s.cfg.Now()
	}
	return time.Now()
}

// localpart strips the platform decoration from an MXID for prompt lines:
// "@alice:example.com" → "alice".
func localpart(sender string) string {
	s := strings.TrimPrefix(sender, "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return sender
	}
	return s
}

// truncateRunes caps s at limit runes, appending an ellipsis when cut.
func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
