// Package dedup tracks which inbound events have already been admitted into
// the agent's history, so that offline replay never re-injects a message the
// agent has seen before.
//
// Keys are derived per event, either from the platform-assigned event ID or
// from a content fingerprint when no usable ID exists. The store is bounded
// per group: once a group reaches its key limit the oldest keys are evicted,
// which bounds memory across long uptimes at the cost of very old messages
// becoming re-admittable.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Mode selects how a Key was derived.
type Mode uint8

const (
	// ModeIdentity keys an event by its platform-assigned ID.
	ModeIdentity Mode = iota
	// ModeFingerprint keys an event by a stable hash of its content.
	// Used when the platform ID is absent or configured as unreliable.
	ModeFingerprint
)

// String returns the mode name for logs and status output.
func (m Mode) String() string {
	switch m {
	case ModeIdentity:
		return "identity"
	case ModeFingerprint:
		return "fingerprint"
	default:
		return fmt.Sprintf("mode(%d)", m)
	}
}

// ParseMode is the inverse of String. It accepts the empty string as
// ModeIdentity so an unset configuration value means the common case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "identity":
		return ModeIdentity, nil
	case "fingerprint":
		return ModeFingerprint, nil
	default:
		return ModeIdentity, fmt.Errorf("dedup: unknown mode %q (want identity or fingerprint)", s)
	}
}

// Key identifies an inbound event for deduplication purposes. Two keys are
// equal only when both the derivation mode and the value match, so an
// identity key can never collide with a fingerprint key.
type Key struct {
	Mode  Mode
	Value string
}

// Identity returns a Key for a platform-assigned event ID.
func Identity(id string) Key {
	return Key{Mode: ModeIdentity, Value: id}
}

const (
	// fingerprintBodyLimit caps how many runes of the normalized body feed
	// the hash. Long messages stay distinguishable by their prefix while the
	// hash input stays small.
	fingerprintBodyLimit = 100

	// DefaultTimestampBucket is the granularity timestamps are truncated to
	// before hashing, so minor clock skew between fetches does not change
	// the fingerprint.
	DefaultTimestampBucket = time.Second
)

// Fingerprint returns a content-derived Key for an event with no usable
// platform ID. The hash covers the sender, the normalized body, and the
// timestamp truncated to bucket. A bucket of zero uses
// DefaultTimestampBucket.
func Fingerprint(sender, body string, ts time.Time, bucket time.Duration) Key {
	if bucket <= 0 {
		bucket = DefaultTimestampBucket
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d", sender, NormalizeBody(body), ts.Truncate(bucket).Unix())
	return Key{Mode: ModeFingerprint, Value: hex.EncodeToString(h.Sum(nil))}
}

// KeyFor derives the Key for one event under the configured mode. In
// ModeIdentity an event without a usable platform ID falls back to the
// content fingerprint rather than being admitted unkeyed.
func KeyFor(mode Mode, id, sender, body string, ts time.Time, bucket time.Duration) Key {
	if mode == ModeIdentity && id != "" {
		return Identity(id)
	}
	return Fingerprint(sender, body, ts, bucket)
}

// NormalizeBody collapses runs of whitespace to single spaces, trims the
// result, and truncates it to the fingerprint body limit. Normalization keeps
// fingerprints stable when platforms re-wrap or re-pad message bodies.
func NormalizeBody(body string) string {
	var b strings.Builder
	space := false
	for _, r := range body {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	s := b.String()
	if runes := []rune(s); len(runes) > fingerprintBodyLimit {
		return string(runes[:fingerprintBodyLimit])
	}
	return s
}
