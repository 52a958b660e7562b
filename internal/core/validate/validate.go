// Package validate provides shared validation functions.
package validate

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Limits of the backend's variable and user tables.
const (
	MaxVariableName = 128
	MaxUsername     = 60
)

// VariableName validates a variable name is non-empty after trimming
// whitespace and fits the variable table.
func VariableName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("variable name is required")
	}
	if utf8.RuneCountInString(name) > MaxVariableName {
		return fmt.Errorf("variable name is longer than %d characters", MaxVariableName)
	}
	return nil
}

// Username validates a username is non-empty after trimming whitespace and
// fits the user table.
func Username(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("username is required")
	}
	if utf8.RuneCountInString(name) > MaxUsername {
		return fmt.Errorf("username is longer than %d characters", MaxUsername)
	}
	return nil
}
