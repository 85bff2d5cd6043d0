package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/Yumeko/common/redact"
	"github.com/bdobrica/Yumeko/common/trace"
	"github.com/bdobrica/Yumeko/common/version"
	"github.com/bdobrica/Yumeko/internal/yumeko/config"
	"github.com/bdobrica/Yumeko/internal/yumeko/dream"
	"github.com/bdobrica/Yumeko/internal/yumeko/store"
)

// Dreamer runs one immediate test dream for a room, bypassing eligibility
// but not the activity gate. Implemented by *dream.Scheduler.
type Dreamer interface {
	ForceDream(ctx context.Context, group string) error
}

// HandlersConfig wires the handlers' dependencies.
type HandlersConfig struct {
	Store       *store.Store
	ConfigStore config.Store
	Resolver    *config.Resolver
	Ledger      *dream.Ledger
	Mutex       *dream.Mutex
	Dreamer     Dreamer

	// Groups are the configured room IDs, used by room-scoped commands.
	Groups []string

	// Admins is the administrator allowlist. Empty disables every
	// administrative command: with nobody declared, nobody is trusted.
	Admins []string

	// BotName labels command output.
	BotName string

	// Now overrides the handlers' clock; nil means time.Now.
	Now func() time.Time
}

// Handlers holds all command handlers and dependencies
type Handlers struct {
	cfg HandlersConfig
}

// NewHandlers creates a new Handlers instance
func NewHandlers(cfg HandlersConfig) *Handlers {
	if cfg.BotName == "" {
		cfg.BotName = "Yumeko"
	}
	return &Handlers{cfg: cfg}
}

// HandleHelp shows available commands
func (h *Handlers) HandleHelp(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	help := `**Yumeko**

**General Commands:**
• /yumeko help - Show this help message
• /yumeko version - Show version information
• /yumeko ping - Health check

**Dream Commands (admin only):**
• /yumeko dream status [room] - Show dream scheduler state and quotas
• /yumeko dream enable - Enable scheduled dreaming
• /yumeko dream disable - Disable scheduled dreaming
• /yumeko dream test [room] - Dream right now, ignoring window and quota
• /yumeko dream reset [room] - Clear one room's quota
• /yumeko dream reset --all - Clear every room's quota

**Config Commands (admin only):**
• /yumeko config list - Show explicitly set config values
• /yumeko config get <key> - Show one config value
• /yumeko config set <key> <value> - Set a config value
• /yumeko config unset <key> - Revert a key to its default
`
	return help, nil
}

// HandleVersion shows version information
func (h *Handlers) HandleVersion(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return fmt.Sprintf("**%s**\nVersion: %s\nCommit: %s\nBuild Time: %s",
		h.cfg.BotName, version.Version, version.GitCommit, version.BuildTime), nil
}

// HandlePing responds with a health check
func (h *Handlers) HandlePing(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	h.audit(ctx, traceID, evt.Sender.String(), "ping", "", "success", nil, "")
	return fmt.Sprintf("🏓 Pong! (trace: %s)", traceID), nil
}

// requireAdmin rejects senders that are not on the administrator allowlist.
// An empty allowlist fails closed: every administrative command is refused
// until at least one administrator is configured.
func (h *Handlers) requireAdmin(ctx context.Context, traceID, action string, evt *event.Event) error {
	sender := evt.Sender.String()
	if len(h.cfg.Admins) == 0 {
		h.audit(ctx, traceID, sender, action, "", "denied", nil, "no administrators configured")
		return fmt.Errorf("administrative commands are disabled — no administrators are configured")
	}
	for _, admin := range h.cfg.Admins {
		if admin == sender {
			return nil
		}
	}
	h.audit(ctx, traceID, sender, action, "", "denied", nil, "sender not on administrator allowlist")
	return fmt.Errorf("you are not on the administrator list")
}

// audit writes one audit row, scrubbing secret-shaped payload values first.
// Audit failures are logged, never surfaced: losing an audit row must not
// fail the operation it describes.
func (h *Handlers) audit(ctx context.Context, traceID, actor, action, target string, result string, payload store.AuditPayload, errMsg string) {
	if h.cfg.Store == nil {
		return
	}
	if payload != nil {
		payload = redact.Map(payload)
	}
	if err := h.cfg.Store.WriteAudit(ctx, traceID, actor, action, target, result, payload, errMsg); err != nil {
		slog.Warn("audit write failed", "action", action, "err", err)
	}
}

// resolveRoom picks the room a room-scoped command targets: an explicit
// argument must name a configured room; with no argument a single-room
// install needs no disambiguation.
func (h *Handlers) resolveRoom(cmd *Command) (string, error) {
	if room, ok := cmd.GetArg(0); ok {
		for _, g := range h.cfg.Groups {
			if g == room {
				return room, nil
			}
		}
		return "", fmt.Errorf("unknown room %q — configured rooms: %s", room, joinRooms(h.cfg.Groups))
	}
	if len(h.cfg.Groups) == 1 {
		return h.cfg.Groups[0], nil
	}
	return "", fmt.Errorf("more than one room is configured — name one of: %s", joinRooms(h.cfg.Groups))
}

func (h *Handlers) now() time.Time {
	if h.cfg.Now != nil {
		return h.cfg.Now()
	}
	return time.Now()
}

// joinRooms renders a room list for error messages.
func joinRooms(rooms []string) string {
	out := ""
	for i, r := range rooms {
		if i > 0 {
			out += ", "
		}
		out += "`" + r + "`"
	}
	return out
}
