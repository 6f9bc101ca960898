package domain

import "github.com/google/uuid"

// NewID returns a new random identifier for runs and related records.
func NewID() string {
	return uuid.NewString()
}
