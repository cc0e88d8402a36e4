package wire

import (
	"fmt"
	"strings"
)

const (
	// MaxUserIDLen is the maximum user_id length in bytes.
	MaxUserIDLen = 8

	// MaxTextLen is the maximum chat text length in bytes.
	MaxTextLen = 280
)

// ValidateUserID checks a user_id against the protocol limits before it is
// put on the wire: non-empty, at most MaxUserIDLen bytes, free of commas,
// separators and newlines. Replicas do not re-check lengths; well-behaved
// clients validate here.
func ValidateUserID(user string) error {
	if user == "" {
		return fmt.Errorf("user id must not be empty")
	}
	if len(user) > MaxUserIDLen {
		return fmt.Errorf("user id exceeds %d bytes", MaxUserIDLen)
	}
	if strings.Contains(user, ",") {
		return fmt.Errorf("user id must not contain commas")
	}
	if err := checkFields(user); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	return nil
}

// ValidateText checks chat text against the protocol limits.
func ValidateText(text string) error {
	if len(text) > MaxTextLen {
		return fmt.Errorf("text exceeds %d bytes", MaxTextLen)
	}
	return checkFields(text)
}
