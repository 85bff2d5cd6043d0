package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/Yumeko/common/trace"
	"github.com/bdobrica/Yumeko/internal/yumeko/config"
	"github.com/bdobrica/Yumeko/internal/yumeko/dream"
	"github.com/bdobrica/Yumeko/internal/yumeko/store"
)

// HandleDreamStatus shows the dream scheduler's state: whether dreaming is
// enabled, the activity gate, and each room's quota standing.
//
// Usage: /yumeko dream status [room]
//
// Without a room argument every configured room is listed; with one, only
// that room.
func (h *Handlers) HandleDreamStatus(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	if err := h.requireAdmin(ctx, traceID, "dream.status", evt); err != nil {
		return "", err
	}

	rooms := h.cfg.Groups
	if room, ok := cmd.GetArg(0); ok {
		resolved, err := h.resolveRoom(cmd)
		if err != nil {
			h.audit(ctx, traceID, evt.Sender.String(), "dream.status", room, "error", nil, err.Error())
			return "", err
		}
		rooms = []string{resolved}
	}

	settings := h.cfg.Resolver.Dream(ctx)
	now := h.now()

	var sb strings.Builder
	sb.WriteString("**Dream Status**\n\n")
	sb.WriteString(fmt.Sprintf("Enabled: %v\n", settings.Enabled))
	sb.WriteString(fmt.Sprintf("Activity gate: %s\n", h.cfg.Mutex.State()))
	sb.WriteString(fmt.Sprintf("Per day: %d, minimum spacing: %s\n", settings.PerDay, settings.MinInterval))
	if len(settings.Windows) == 0 {
		sb.WriteString("Windows: (none — dreams never fire)\n")
	} else {
		sb.WriteString(fmt.Sprintf("Windows: %s\n", config.FormatWindows(settings.Windows)))
	}
	sb.WriteString("\n")

	for _, room := range rooms {
		snap, err := h.cfg.Ledger.Snapshot(ctx, room, now)
		if err != nil {
			h.audit(ctx, traceID, evt.Sender.String(), "dream.status", room, "error", nil, err.Error())
			return "", fmt.Errorf("failed to read quota for %s: %w", room, err)
		}
		last := "never"
		if snap.LastDream != nil {
			last = snap.LastDream.Format("2006-01-02 15:04:05 MST")
		}
		total, err := h.cfg.Store.DreamCount(ctx, room)
		if err != nil {
			return "", fmt.Errorf("failed to count dreams for %s: %w", room, err)
		}
		sb.WriteString(fmt.Sprintf("`%s`\n  today: %d/%d, last: %s, total: %d\n",
			room, snap.CountToday, settings.PerDay, last, total))
	}

	h.audit(ctx, traceID, evt.Sender.String(), "dream.status", "", "success",
		store.AuditPayload{"rooms": len(rooms)}, "")

	sb.WriteString(fmt.Sprintf("\n(trace: %s)", traceID))
	return sb.String(), nil
}

// HandleDreamEnable turns scheduled dreaming on.
//
// Usage: /yumeko dream enable
func (h *Handlers) HandleDreamEnable(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return h.setDreamEnabled(ctx, evt, true)
}

// HandleDreamDisable turns scheduled dreaming off. In-flight dreams finish;
// the scheduler simply stops starting new ones.
//
// Usage: /yumeko dream disable
func (h *Handlers) HandleDreamDisable(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return h.setDreamEnabled(ctx, evt, false)
}

func (h *Handlers) setDreamEnabled(ctx context.Context, evt *event.Event, enabled bool) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	action := "dream.disable"
	value := "false"
	if enabled {
		action = "dream.enable"
		value = "true"
	}

	if err := h.requireAdmin(ctx, traceID, action, evt); err != nil {
		return "", err
	}
	if h.cfg.ConfigStore == nil {
		return "", fmt.Errorf("config store is not available")
	}

	if err := h.cfg.ConfigStore.Set(ctx, config.KeyDreamEnabled, value); err != nil {
		h.audit(ctx, traceID, evt.Sender.String(), action, "", "error", nil, err.Error())
		return "", fmt.Errorf("failed to update dream setting: %w", err)
	}

	h.audit(ctx, traceID, evt.Sender.String(), action, "", "success",
		store.AuditPayload{"enabled": enabled}, "")

	if enabled {
		return fmt.Sprintf("✓ Dreaming enabled. (trace: %s)", traceID), nil
	}
	return fmt.Sprintf("✓ Dreaming disabled. (trace: %s)", traceID), nil
}

// HandleDreamTest generates and posts a dream right now, skipping the window,
// quota, and spacing checks. The activity gate still applies, and the test
// dream does not count against the daily quota.
//
// Usage: /yumeko dream test [room]
func (h *Handlers) HandleDreamTest(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	if err := h.requireAdmin(ctx, traceID, "dream.test", evt); err != nil {
		return "", err
	}
	if h.cfg.Dreamer == nil {
		return "", fmt.Errorf("dreaming is not available — no language model is configured")
	}

	room, err := h.resolveRoom(cmd)
	if err != nil {
		h.audit(ctx, traceID, evt.Sender.String(), "dream.test", "", "error", nil, err.Error())
		return "", err
	}

	if err := h.cfg.Dreamer.ForceDream(ctx, room); err != nil {
		h.audit(ctx, traceID, evt.Sender.String(), "dream.test", room, "error", nil, err.Error())
		if errors.Is(err, dream.ErrBusy) {
			return "", fmt.Errorf("a dream is already in progress — try again in a moment")
		}
		return "", fmt.Errorf("test dream failed: %w", err)
	}

	h.audit(ctx, traceID, evt.Sender.String(), "dream.test", room, "success", nil, "")

	return fmt.Sprintf("✓ Test dream posted to `%s` (not counted against the quota). (trace: %s)", room, traceID), nil
}

// HandleDreamReset clears dream quota state so the affected rooms may dream
// again today.
//
// Usage: /yumeko dream reset [room]
//        /yumeko dream reset --all
func (h *Handlers) HandleDreamReset(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	if err := h.requireAdmin(ctx, traceID, "dream.reset", evt); err != nil {
		return "", err
	}

	if cmd.HasFlag("all") {
		if err := h.cfg.Ledger.ResetAll(ctx); err != nil {
			h.audit(ctx, traceID, evt.Sender.String(), "dream.reset", "*", "error", nil, err.Error())
			return "", fmt.Errorf("failed to reset quotas: %w", err)
		}
		h.audit(ctx, traceID, evt.Sender.String(), "dream.reset", "*", "success",
			store.AuditPayload{"all": true}, "")
		return fmt.Sprintf("✓ Dream quotas cleared for all rooms. (trace: %s)", traceID), nil
	}

	room, err := h.resolveRoom(cmd)
	if err != nil {
		h.audit(ctx, traceID, evt.Sender.String(), "dream.reset", "", "error", nil, err.Error())
		return "", err
	}

	if err := h.cfg.Ledger.Reset(ctx, room); err != nil {
		h.audit(ctx, traceID, evt.Sender.String(), "dream.reset", room, "error", nil, err.Error())
		return "", fmt.Errorf("failed to reset quota: %w", err)
	}

	h.audit(ctx, traceID, evt.Sender.String(), "dream.reset", room, "success", nil, "")

	return fmt.Sprintf("✓ Dream quota cleared for `%s`. (trace: %s)", room, traceID), nil
}
