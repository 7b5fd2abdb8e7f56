package models

import "strings"

const lockoutKeyPrefix = "ratelimit:"

// SanitizeKeySegment escapes delimiter characters in rate limit key segments
// to prevent key collision attacks where user-controlled identifiers containing
// ':' could manipulate adjacent keys. IPv6 addresses pass through here too.
//
// Example: "2001:db8::1" becomes "2001_db8__1".
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// LockoutKey is the room storage key for a client's failure record.
func LockoutKey(clientKey string) string {
	return lockoutKeyPrefix + SanitizeKeySegment(clientKey)
}
