package domain

import (
	"github.com/google/uuid"
)

// NewID generates a UUIDv7 string, used for query ids, result ids and
// correlation ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewToken generates a random UUIDv4 string used as a lock owner token.
// Tokens must not be guessable from their creation time.
func NewToken() string {
	return uuid.NewString()
}
