package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownEvent    = errors.New("unknown event kind")
	ErrUnresolvedRef   = errors.New("event names no branch or ref")
	ErrMissingRef      = errors.New("ref not found")
	ErrTargetCollision = errors.New("relocation target already exists")
	ErrPathEscape      = errors.New("path escapes workspace")
	ErrLFSIncomplete   = errors.New("large-media content not materialized")
)

// FetchError is a network or auth failure talking to source control. It is
// retried by the assembler.
type FetchError struct {
	Repo string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Repo, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// FatalAssemblyError fails a run before any job starts. It is never retried.
type FatalAssemblyError struct {
	Repo string
	Err  error
}

func (e *FatalAssemblyError) Error() string {
	if e.Repo == "" {
		return fmt.Sprintf("assemble workspace: %v", e.Err)
	}
	return fmt.Sprintf("assemble workspace (%s): %v", e.Repo, e.Err)
}

func (e *FatalAssemblyError) Unwrap() error { return e.Err }

type StepExecutionError struct {
	Step     string
	ExitCode int
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q exited with code %d", e.Step, e.ExitCode)
}
