package types

import (
	"fmt"
	"regexp"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)

const maxCriterionLength = 100

// ValidateCriteria checks category and difficulty of a start-matching event
func ValidateCriteria(category, difficulty string) error {
	if category == "" {
		return fmt.Errorf("%w: missing category", ErrValidation)
	}
	if difficulty == "" {
		return fmt.Errorf("%w: missing difficulty", ErrValidation)
	}
	if len(category) > maxCriterionLength || len(difficulty) > maxCriterionLength {
		return fmt.Errorf("%w: criteria longer than %d characters", ErrValidation, maxCriterionLength)
	}
	return nil
}

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 128 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidInboundEvent reports whether a client may send this event type
func IsValidInboundEvent(eventType string) bool {
	switch eventType {
	case EventStartMatching, EventCancelMatching:
		return true
	default:
		return false
	}
}
