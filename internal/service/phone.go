package service

import "strings"

// CleanPhone normalizes a phone number to an optional leading '+' followed by
// digits only. ok is false when no digits remain.
func CleanPhone(raw string) (phone string, ok bool) {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	b.Grow(len(raw))
	if strings.HasPrefix(raw, "+") {
		b.WriteByte('+')
	}
	digits := 0
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			digits++
		}
	}
	if digits == 0 {
		return "", false
	}
	return b.String(), true
}
