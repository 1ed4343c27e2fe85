package uuidv7

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 value (time-ordered) or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a string representation of a UUIDv7.
func NewString() string {
	return New().String()
}

// Timestamp extracts the creation time embedded in a UUIDv7 string.
func Timestamp(raw string) (time.Time, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return time.Time{}, err
	}
	if id.Version() != 7 {
		return time.Time{}, fmt.Errorf("uuidv7: %s is version %d", raw, id.Version())
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), nil
}
