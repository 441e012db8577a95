package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.offsync/sessions, so they
// start with a lowercase letter and stay short enough for any filesystem.
var nameRegexp = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,47}$`)

// ValidateName rejects names that cannot safely become a session directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: start with a lowercase letter, use only a-z 0-9 _ -, max 48 chars", name)
	}
	return nil
}
