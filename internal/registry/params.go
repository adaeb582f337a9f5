package registry

import (
	"fmt"
	"strconv"
)

// IntRange validates a decimal integer within [min, max].
func IntRange(min, max int64) func(string) error {
	return func(value string) error {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("must be an integer")
		}
		if n < min || n > max {
			return fmt.Errorf("must be between %d and %d", min, max)
		}
		return nil
	}
}

// Uint validates a non-negative decimal integer.
func Uint() func(string) error {
	return func(value string) error {
		if _, err := strconv.ParseUint(value, 10, 64); err != nil {
			return fmt.Errorf("must be a non-negative integer")
		}
		return nil
	}
}

// OneOf validates membership in a fixed set.
func OneOf(options ...string) func(string) error {
	return func(value string) error {
		for _, opt := range options {
			if value == opt {
				return nil
			}
		}
		return fmt.Errorf("must be one of %v", options)
	}
}
