// Package util provides small helpers shared across LeadPipe components.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomID returns prefix followed by 32 hex characters of a random UUID.
func GenerateRandomID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DerivedID returns prefix followed by 32 hex characters of a name-based UUID of seed.
// The same seed always yields the same ID.
func DerivedID(prefix, seed string) string {
	return prefix + strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String(), "-", "")
}

// NewMessageID returns an ID for an outbound message.
func NewMessageID() string {
	return GenerateRandomID("msg_")
}

// NewTaskID returns an ID for a scheduled task.
func NewTaskID() string {
	return GenerateRandomID("task_")
}
