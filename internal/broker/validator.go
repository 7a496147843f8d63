package broker

import (
	"fmt"
	"regexp"
)

// MaxTopicNameLength bounds the length of a topic name.
const MaxTopicNameLength = 255

// HierarchicalTopicPattern matches dot-separated segments such as "orders",
// "orders.created" or "billing.invoice-paid". Typed events always use it; a
// broker enforces it only when built with WithTopicNamePattern.
var HierarchicalTopicPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*(\.[a-z0-9][a-z0-9_-]*)*$`)

// ValidateTopicName checks that name can be used as a topic name. Any
// non-empty string up to MaxTopicNameLength bytes is accepted.
func ValidateTopicName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidTopicName)
	}
	if len(name) > MaxTopicNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidTopicName, MaxTopicNameLength)
	}
	return nil
}

// ValidateTopicNamePattern is ValidateTopicName plus a match against pattern.
// A nil pattern accepts every valid name.
func ValidateTopicNamePattern(name string, pattern *regexp.Regexp) error {
	if err := ValidateTopicName(name); err != nil {
		return err
	}
	if pattern != nil && !pattern.MatchString(name) {
		return fmt.Errorf("%w: %q does not match %s", ErrInvalidTopicName, name, pattern)
	}
	return nil
}
