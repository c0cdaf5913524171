package devservices

import (
	"strings"
	"unicode"
)

const (
	groupPrefix = "group."
	namePrefix  = "SS"
)

// Identifiers derives remote identifiers from sanitized keys for one team. A sanitized
// key is the idempotency key of a resource: two identifiers that sanitize to the same
// key refer to the same remote resource.
type Identifiers struct {
	TeamID string
}

// Sanitize normalizes an app id or group identifier. The identifier is lower-cased, a
// "group." prefix and a ".<team id>" suffix are removed, and within each dot separated
// component every run of non-alphanumeric characters becomes a single '-'. Empty
// components are dropped.
func (i Identifiers) Sanitize(identifier string) string {
	s := strings.ToLower(strings.TrimSpace(identifier))
	s = strings.TrimPrefix(s, groupPrefix)
	if i.TeamID != "" {
		s = strings.TrimSuffix(s, "."+strings.ToLower(i.TeamID))
	}

	parts := strings.Split(s, ".")
	out := parts[:0]
	for _, part := range parts {
		if part = sanitizeComponent(part); part != "" {
			out = append(out, part)
		}
	}
	return strings.Join(out, ".")
}

func sanitizeComponent(s string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range s {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// AppID is the remote bundle identifier registered for a sanitized key.
func (i Identifiers) AppID(sanitized string) string {
	return sanitized + "." + i.TeamID
}

// GroupID is the remote group identifier registered for a sanitized key.
func (i Identifiers) GroupID(sanitized string) string {
	return groupPrefix + sanitized + "." + i.TeamID
}

// Name is the display name registered for a sanitized key. Developer services only
// accepts letters, digits and spaces in names.
func (i Identifiers) Name(sanitized string) string {
	fields := strings.FieldsFunc(sanitized, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r))
	})
	return namePrefix + " " + strings.Join(fields, " ")
}
