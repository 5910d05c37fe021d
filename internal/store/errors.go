package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the live config or a requested backup does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt is returned when a file exists but cannot be parsed or validated.
	ErrCorrupt = errors.New("corrupt")
)

// IOError is a filesystem failure during an atomic write or read. The live
// config is left in its previous state.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
