package commit

import (
	"errors"
	"fmt"
)

var (
	// ErrInterrupted is returned when a killed session tries to commit.
	ErrInterrupted = errors.New("commit: query is interrupted")
	// ErrLogWrite marks a recovery log write that blocked a phase.
	ErrLogWrite = errors.New("commit: recovery log write failed")
	// ErrRegistryUnavailable is returned by the default background registry.
	ErrRegistryUnavailable = errors.New("commit: background registry unavailable")
)

// Failure is a synchronous commit failure with a client-facing code.
type Failure struct {
	Code   uint16
	Detail string
	Err    error
}

func (f Failure) Error() string {
	if f.Detail == "" {
		return fmt.Sprintf("commit failure %d", f.Code)
	}
	return fmt.Sprintf("%d: %s", f.Code, f.Detail)
}

func (f Failure) Unwrap() error { return f.Err }

// Response renders f for the client.
func (f Failure) Response() Response {
	return ErrorResponse(f.Code, f.Detail)
}
