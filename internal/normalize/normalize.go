// Package normalize implements the pure, stateless transformation from a
// raw source payload to a cache-ready contact, or a decision to drop the
// record entirely. Nothing here does I/O or holds state; every function is
// total given well-formed input and idempotent on its own output.
package normalize

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/autosync/contactcache/internal/model"
)

// unknownDisplayName is substituted for a blank display name.
const unknownDisplayName = "Unknown"

var emailFold = cases.Fold(language.Und)

// Contact normalizes a raw contact payload against limits. ok is false when
// the record should be dropped entirely (blank external_contact_id).
func Contact(raw model.RawContact, limits model.CacheLimits) (out model.Contact, ok bool) {
	id := strings.TrimSpace(raw.ExternalContactID)
	if id == "" {
		return model.Contact{}, false
	}
	out.ExternalContactID = truncate(id, limits.MaxExternalIDChars)

	name := strings.TrimSpace(raw.DisplayName)
	if name == "" {
		name = unknownDisplayName
	}
	out.DisplayName = truncate(name, limits.MaxDisplayNameChars)

	out.Phones = normalizePhones(raw.Phones, limits)
	out.Emails = normalizeEmails(raw.Emails, limits)

	out.AvatarETag = truncate(strings.TrimSpace(raw.AvatarETag), 128)

	out.SourceVersion = clampNonNegative(raw.SourceVersion)
	out.SourceLastModifiedMs = clampNonNegative(raw.SourceLastModifiedMs)

	return out, true
}

// SourceDevice trims and validates a raw source_device identifier. ok is
// false when the trimmed value is blank.
func SourceDevice(raw string, limits model.CacheLimits) (out string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	return truncate(trimmed, limits.MaxSourceDeviceChars), true
}

// ExternalID trims a deletion-id candidate the same way delta sync
// normalizes its deletion list: trim, drop blanks, truncate.
func ExternalID(raw string, limits model.CacheLimits) (out string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	return truncate(trimmed, limits.MaxExternalIDChars), true
}

func normalizePhones(raw []string, limits model.CacheLimits) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		canon := canonicalizePhone(strings.TrimSpace(p))
		if canon == "" {
			continue
		}
		canon = truncate(canon, limits.MaxPhoneChars)
		if _, dup := seen[canon]; dup {
			continue
		}
		seen[canon] = struct{}{}
		out = append(out, canon)
		if len(out) >= limits.MaxPhonesPerContact {
			break
		}
	}
	return out
}

func normalizeEmails(raw []string, limits model.CacheLimits) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		trimmed := strings.TrimSpace(e)
		if !strings.Contains(trimmed, "@") {
			continue
		}
		lowered := emailFold.String(trimmed)
		lowered = truncate(lowered, limits.MaxEmailChars)
		if _, dup := seen[lowered]; dup {
			continue
		}
		seen[lowered] = struct{}{}
		out = append(out, lowered)
		if len(out) >= limits.MaxEmailsPerContact {
			break
		}
	}
	return out
}

// canonicalizePhone retains digits and a single leading '+' if it appears
// before any digit; any '+' appearing after a digit, or a second '+', is
// discarded. An entry with zero digits canonicalizes to "".
func canonicalizePhone(raw string) string {
	var b strings.Builder
	sawDigit := false
	sawPlus := false
	for _, r := range raw {
		switch {
		case r == '+' && !sawDigit && !sawPlus:
			b.WriteRune('+')
			sawPlus = true
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			sawDigit = true
		}
	}
	if !sawDigit {
		return ""
	}
	return b.String()
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	// Truncate on a rune boundary so we never split a multi-byte character.
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
