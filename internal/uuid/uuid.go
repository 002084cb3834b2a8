// Package uuid mints the ids the device assigns: local entity ids and
// queue entry ids.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx, y in [89ab]
var v4 = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a random id.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s is an id minted by New.
func IsValid(s string) bool {
	return v4.MatchString(s)
}

// Validate returns an error if s is not an id minted by New.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid id %q: expected a UUID v4", s)
	}
	return nil
}
