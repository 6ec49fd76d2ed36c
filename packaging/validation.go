package packaging

import (
	"fmt"
	"regexp"
)

// MaxPackageIDLength is the maximum allowed package ID length.
const MaxPackageIDLength = 100

// Package ID pattern: must start with letter or underscore,
// can contain letters, digits, periods, hyphens, underscores
var packageIDPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9._-]*$`)

// ValidatePackageID reports whether id is a well-formed package ID.
func ValidatePackageID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: package ID cannot be empty", ErrInvalidNuspec)
	}
	if len(id) > MaxPackageIDLength {
		return fmt.Errorf("%w: package ID cannot exceed %d characters", ErrInvalidNuspec, MaxPackageIDLength)
	}
	if !packageIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid package ID %q", ErrInvalidNuspec, id)
	}
	return nil
}
