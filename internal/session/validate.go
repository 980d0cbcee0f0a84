package session

import (
	"fmt"
	"regexp"
)

// Profile names become directory names. A leading '-' would read as a flag.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName checks that name is usable as a profile name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: use 1-64 of a-z, 0-9, '_' or '-', starting with a letter or digit", name)
	}
	return nil
}
