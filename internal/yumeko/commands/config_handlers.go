package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/Yumeko/common/trace"
	"github.com/bdobrica/Yumeko/internal/yumeko/config"
	"github.com/bdobrica/Yumeko/internal/yumeko/store"
)

// permittedKeyList returns the allowlist as a human-readable comma-joined
// string for use in error messages.
func permittedKeyList() string {
	keys := make([]string, 0, len(config.PermittedKeys))
	for _, k := range config.PermittedKeys {
		keys = append(keys, "`"+k+"`")
	}
	return strings.Join(keys, ", ")
}

// HandleConfigSet stores a runtime configuration value.
//
// Usage: /yumeko config set <key> <value>
//
// Only keys in the config.PermittedKeys allowlist are accepted, and the value
// must pass that key's validation; a rejected write leaves the previous value
// untouched.
func (h *Handlers) HandleConfigSet(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	if err := h.requireAdmin(ctx, traceID, "config.set", evt); err != nil {
		return "", err
	}
	if h.cfg.ConfigStore == nil {
		return "", fmt.Errorf("config store is not available")
	}

	if len(cmd.Args) < 2 {
		return "", fmt.Errorf("usage: /yumeko config set <key> <value>\n\nPermitted keys: %s", permittedKeyList())
	}

	key := cmd.Args[0]
	value := strings.Join(cmd.Args[1:], " ")

	if !config.IsPermittedKey(key) {
		return "", fmt.Errorf("unknown config key %q — permitted keys: %s", key, permittedKeyList())
	}
	if err := config.Validate(key, value); err != nil {
		h.audit(ctx, traceID, evt.Sender.String(), "config.set", key, "error", nil, err.Error())
		return "", fmt.Errorf("invalid value for `%s`: %w", key, err)
	}

	if err := h.cfg.ConfigStore.Set(ctx, key, value); err != nil {
		h.audit(ctx, traceID, evt.Sender.String(), "config.set", key, "error", nil, err.Error())
		return "", fmt.Errorf("failed to set config: %w", err)
	}

	h.audit(ctx, traceID, evt.Sender.String(), "config.set", key, "success",
		store.AuditPayload{"key": key, "value": value}, "")

	return fmt.Sprintf("✓ `%s` set to `%s`. (trace: %s)", key, value, traceID), nil
}

// HandleConfigGet retrieves a runtime configuration value.
//
// Usage: /yumeko config get <key>
//
// When the key has not been set, the handler replies with a "(not set — using
// default)" notice so operators can distinguish an absent value from an empty
// string.
func (h *Handlers) HandleConfigGet(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	if err := h.requireAdmin(ctx, traceID, "config.get", evt); err != nil {
		return "", err
	}
	if h.cfg.ConfigStore == nil {
		return "", fmt.Errorf("config store is not available")
	}

	if len(cmd.Args) < 1 {
		return "", fmt.Errorf("usage: /yumeko config get <key>\n\nPermitted keys: %s", permittedKeyList())
	}

	key := cmd.Args[0]

	if !config.IsPermittedKey(key) {
		return "", fmt.Errorf("unknown config key %q — permitted keys: %s", key, permittedKeyList())
	}

	value, err := h.cfg.ConfigStore.Get(ctx, key)
	if errors.Is(err, config.ErrNotFound) {
		h.audit(ctx, traceID, evt.Sender.String(), "config.get", key, "success",
			store.AuditPayload{"key": key, "found": false}, "")
		return fmt.Sprintf("`%s`: (not set — using default) (trace: %s)", key, traceID), nil
	}
	if err != nil {
		h.audit(ctx, traceID, evt.Sender.String(), "config.get", key, "error", nil, err.Error())
		return "", fmt.Errorf("failed to get config: %w", err)
	}

	h.audit(ctx, traceID, evt.Sender.String(), "config.get", key, "success",
		store.AuditPayload{"key": key, "found": true}, "")

	return fmt.Sprintf("`%s`: `%s` (trace: %s)", key, value, traceID), nil
}

// HandleConfigList shows all non-default (explicitly set) configuration values.
//
// Usage: /yumeko config list
//
// Only values that have been stored via config set are shown; keys that are
// still using their built-in defaults are omitted.
func (h *Handlers) HandleConfigList(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	if err := h.requireAdmin(ctx, traceID, "config.list", evt); err != nil {
		return "", err
	}
	if h.cfg.ConfigStore == nil {
		return "", fmt.Errorf("config store is not available")
	}

	entries, err := h.cfg.ConfigStore.List(ctx)
	if err != nil {
		h.audit(ctx, traceID, evt.Sender.String(), "config.list", "", "error", nil, err.Error())
		return "", fmt.Errorf("failed to list config: %w", err)
	}

	h.audit(ctx, traceID, evt.Sender.String(), "config.list", "", "success",
		store.AuditPayload{"count": len(entries)}, "")

	if len(entries) == 0 {
		return fmt.Sprintf("No config values set — all keys are using their defaults. (trace: %s)", traceID), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Runtime Config** (%d set)\n\n", len(entries)))
	sb.WriteString("```\n")
	// Iterate the allowlist in declaration order for deterministic output.
	for _, k := range config.PermittedKeys {
		if v, ok := entries[k]; ok {
			sb.WriteString(fmt.Sprintf("%-28s %s\n", k, v))
		}
	}
	sb.WriteString("```\n")
	sb.WriteString(fmt.Sprintf("(trace: %s)", traceID))

	return sb.String(), nil
}

// HandleConfigUnset deletes a runtime configuration value, reverting the key
// to its built-in default.
//
// Usage: /yumeko config unset <key>
func (h *Handlers) HandleConfigUnset(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	if err := h.requireAdmin(ctx, traceID, "config.unset", evt); err != nil {
		return "", err
	}
	if h.cfg.ConfigStore == nil {
		return "", fmt.Errorf("config store is not available")
	}

	if len(cmd.Args) < 1 {
		return "", fmt.Errorf("usage: /yumeko config unset <key>\n\nPermitted keys: %s", permittedKeyList())
	}

	key := cmd.Args[0]

	if !config.IsPermittedKey(key) {
		return "", fmt.Errorf("unknown config key %q — permitted keys: %s", key, permittedKeyList())
	}

	if err := h.cfg.ConfigStore.Delete(ctx, key); err != nil {
		h.audit(ctx, traceID, evt.Sender.String(), "config.unset", key, "error", nil, err.Error())
		return "", fmt.Errorf("failed to unset config: %w", err)
	}

	h.audit(ctx, traceID, evt.Sender.String(), "config.unset", key, "success",
		store.AuditPayload{"key": key}, "")

	return fmt.Sprintf("✓ `%s` unset — reverted to default. (trace: %s)", key, traceID), nil
}
