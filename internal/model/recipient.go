package model

import (
	"errors"
	"strings"
)

var ErrInvalidRecipient = errors.New("recipient must be a phone number with 8 to 15 digits")

// NormalizeRecipient strips formatting from a phone number and returns it as
// "+" followed by digits. A leading "00" international prefix is dropped.
func NormalizeRecipient(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")
	if strings.HasPrefix(s, "00") {
		s = s[2:]
	}

	var b strings.Builder
	b.Grow(len(s) + 1)
	b.WriteByte('+')
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", ErrInvalidRecipient
		}
	}
	if digits < 8 || digits > 15 {
		return "", ErrInvalidRecipient
	}
	return b.String(), nil
}
