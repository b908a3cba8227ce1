// Package tools provides the tool registry and execution framework.
//
// This file defines sentinel error types for tool execution.
package tools

import "fmt"

// ErrToolNotFound is returned when a call targets a name absent from
// the registry. This is a caller bug, not a transient condition; the
// registry fails such calls immediately without retrying.
type ErrToolNotFound struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("Tool not found: %s", e.ToolName)
}

// ErrMissingArg reports a required tool argument the model left out of
// the call. Handlers return it instead of ad-hoc format strings so the
// observation text stays uniform across tools.
type ErrMissingArg struct {
	Arg string
}

// Error implements the error interface.
func (e *ErrMissingArg) Error() string {
	return fmt.Sprintf("%s is required", e.Arg)
}
