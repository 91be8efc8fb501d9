package supervisor

import (
	"errors"
	"fmt"

	"github.com/cloudconnect/tunneld/internal/db"
)

var (
	// ErrConfigInvalid rejects malformed tunnel parameters before any spawn.
	ErrConfigInvalid = errors.New("invalid tunnel configuration")

	// ErrAlreadyActive rejects a start for a tunnel that is live or starting.
	ErrAlreadyActive = errors.New("tunnel already active")

	// ErrSpawnFailure covers every failure to bring up the ssh process.
	ErrSpawnFailure = errors.New("tunnel failed to start")

	// ErrBinaryNotFound is a spawn failure caused by a missing ssh client.
	ErrBinaryNotFound = errors.New("ssh client binary not found")

	// ErrNotActive is returned when stopping a tunnel without a live process.
	ErrNotActive = errors.New("tunnel not active")

	// ErrNotFound is returned when the tunnel record does not exist.
	ErrNotFound = db.ErrNotFound

	// ErrClosed is returned once the supervisor is shutting down.
	ErrClosed = errors.New("supervisor is shutting down")
)

// SpawnError carries the ssh diagnostic output of a failed start.
// It matches ErrSpawnFailure and its cause with errors.Is.
type SpawnError struct {
	TunnelID   string
	Reason     string // classified failure, e.g. "authentication failed"
	Diagnostic string // last lines of ssh stderr
	Err        error
}

func (e *SpawnError) Error() string {
	msg := fmt.Sprintf("tunnel %s failed to start", e.TunnelID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SpawnError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSpawnFailure}
	}
	return []error{ErrSpawnFailure, e.Err}
}
