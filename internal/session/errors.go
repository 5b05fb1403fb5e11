package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation references an unknown session.
	ErrNotFound = errors.New("session not found")

	// ErrWrongMode is returned when input of one framing is sent to a
	// session of the other mode.
	ErrWrongMode = errors.New("operation not supported in this session mode")

	// ErrProcessExited is returned when writing to a process that has exited.
	ErrProcessExited = errors.New("agent process has exited")
)

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// DirectoryNotFoundError reports a working directory that does not resolve
// to an existing directory.
type DirectoryNotFoundError struct {
	Path string
}

func (e *DirectoryNotFoundError) Error() string {
	return fmt.Sprintf("working directory not found: %s", e.Path)
}

// ProcessSpawnError wraps a failure to start the agent process.
type ProcessSpawnError struct {
	Err error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("start agent process: %v", e.Err)
}

func (e *ProcessSpawnError) Unwrap() error { return e.Err }

// MalformedFrameError reports a stream-mode output line that is not JSON.
type MalformedFrameError struct {
	Line string
	Err  error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed durable write.
type PersistenceError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
