package api

import "regexp"

// maxUsernameLen bounds usernames; minUsernameLen keeps them addressable.
const (
	minUsernameLen = 3
	maxUsernameLen = 40
	minPasswordLen = 6
	maxPasswordLen = 256
	maxEmailLen    = 254
)

// usernameRe validates usernames: letters, digits, and ._- only.
var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9._\-]+$`)

// emailRe is a basic email format regex. Not exhaustive; validates structure only.
var emailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// validateUsername returns an error message if the username is invalid,
// empty string if OK.
func validateUsername(value string) string {
	if len(value) < minUsernameLen || len(value) > maxUsernameLen {
		return "username must be 3-40 characters"
	}
	if !usernameRe.MatchString(value) {
		return "username may contain only letters, digits, dots, dashes and underscores"
	}
	return ""
}

// validateEmail checks that a string is a valid-looking email address.
func validateEmail(value string) string {
	if value == "" {
		return "email is required"
	}
	if len(value) > maxEmailLen || !emailRe.MatchString(value) {
		return "email is not a valid address"
	}
	return ""
}

// validatePassword enforces password length bounds.
func validatePassword(value string) string {
	if len(value) < minPasswordLen {
		return "password must be at least 6 characters"
	}
	if len(value) > maxPasswordLen {
		return "password exceeds maximum length"
	}
	return ""
}
