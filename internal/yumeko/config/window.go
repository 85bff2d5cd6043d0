package config

import (
	"fmt"
	"strings"
	"time"
)

// Window is a daily time-of-day interval [Start, End), in minutes since
// local midnight. A window whose End is before its Start wraps past
// midnight: 23:30-00:30 covers the half hour before and after it.
type Window struct {
	Start int
	End   int
}

// Contains reports whether the given local time's minute-of-day falls inside
// the window.
func (w Window) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if w.Start < w.End {
		return m >= w.Start && m < w.End
	}
	// Wraps midnight.
	return m >= w.Start || m < w.End
}

// String renders the window as "HH:MM-HH:MM".
func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

// ParseWindow parses a single "HH:MM-HH:MM" window spec. Windows with equal
// start and end are rejected rather than guessed at (the caller cannot tell
// an always-on window from a never-on one).
func ParseWindow(s string) (Window, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("window %q: want HH:MM-HH:MM", s)
	}
	start, err := parseMinuteOfDay(parts[0])
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	end, err := parseMinuteOfDay(parts[1])
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	if start == end {
		return Window{}, fmt.Errorf("window %q: start and end are equal", s)
	}
	return Window{Start: start, End: end}, nil
}

// ParseWindows parses a comma-separated list of window specs. An empty
// string yields an empty slice (no windows means dreams never fire).
func ParseWindows(s string) ([]Window, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var windows []Window
	for _, part := range strings.Split(s, ",") {
		w, err := ParseWindow(part)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, nil
}

// FormatWindows renders windows back into the comma-separated config form.
func FormatWindows(windows []Window) string {
	parts := make([]string, len(windows))
	for i, w := range windows {
		parts[i] = w.String()
	}
	return strings.Join(parts, ",")
}

// parseMinuteOfDay parses "HH:MM" into minutes since midnight.
func parseMinuteOfDay(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("bad time %q: want HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad time %q: hours 0-23, minutes 0-59", s)
	}
	return h*60 + m, nil
}
