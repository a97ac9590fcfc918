package lua

import (
	"errors"
	"fmt"
)

// Errors for Lua state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrNotExportsTable is returned when a module chunk returns something
	// other than a table or nil.
	ErrNotExportsTable = errors.New("module did not return an exports table")
)

// CompileError is returned when a chunk fails to parse.
type CompileError struct {
	Chunk string
	Err   error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.Chunk, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}
