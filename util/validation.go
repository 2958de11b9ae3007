package util

import (
	"regexp"
	"unicode"
)

// Pre-compiled regex for WebFinger username validation
var webFingerValidCharsRegex = regexp.MustCompile(`^[A-Za-z0-9\-._~!$&'()*+,;=]+$`)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_]{1,100}$`)

// IsValidWebFingerUsername validates that a username meets WebFinger/ActivityPub requirements.
//
// WebFinger allows these characters without percent-encoding:
// A-Z a-z 0-9 - . _ ~ ! $ & ' ( ) * + , ; =
//
// Any other Unicode character must be percent-encoded and is rejected here.
// Non-printable/control characters are also rejected.
//
// Returns (true, "") if valid, or (false, "error message") if invalid.
func IsValidWebFingerUsername(username string) (bool, string) {
	if len(username) == 0 {
		return false, "Username must be at least 1 character"
	}

	if !webFingerValidCharsRegex.MatchString(username) {
		return false, "Username contains invalid characters. Only A-Z, a-z, 0-9, and -._~!$&'()*+,;= are allowed"
	}

	for _, r := range username {
		if unicode.IsControl(r) || !unicode.IsPrint(r) {
			return false, "Username contains non-printable characters"
		}
	}

	return true, ""
}

// IsValidLocalUsername validates a username for local account creation,
// which is stricter than what we accept from remote servers.
func IsValidLocalUsername(username string) (bool, string) {
	if username == "" {
		return false, "Username must be at least 1 character"
	}
	if !usernameRegex.MatchString(username) {
		return false, "Username may only contain a-z, 0-9 and underscores"
	}
	return true, ""
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// IsValidHostname reports whether a string looks like a DNS hostname.
// IP literals are accepted too since federation over them is allowed.
func IsValidHostname(hostname string) bool {
	if hostname == "" || len(hostname) > 253 {
		return false
	}
	if IsIPLiteral(hostname) {
		return true
	}
	return hostnameRegex.MatchString(hostname)
}
