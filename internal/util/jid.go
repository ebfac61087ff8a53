package util

import "strings"

// DefaultJIDSuffix is the server part appended to bare phone numbers.
const DefaultJIDSuffix = "s.whatsapp.net"

// NormalizeDestination turns a bare phone number into a full JID. Anything
// already containing "@" is passed through unchanged.
func NormalizeDestination(to string) string {
	if strings.ContainsRune(to, '@') {
		return to
	}
	var digits strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return digits.String() + "@" + DefaultJIDSuffix
}
