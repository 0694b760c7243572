// Package logging panic recovery with stack trace logging.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"time"
)

// RecoveryHandler handles panics with logging
type RecoveryHandler struct {
	Component string
	OnPanic   func(err any, stack string)
}

// NewRecoveryHandler creates a recovery handler for a component
func NewRecoveryHandler(component string) *RecoveryHandler {
	return &RecoveryHandler{Component: component}
}

// Wrap executes fn with panic recovery
func (r *RecoveryHandler) Wrap(fn func()) {
	defer r.recover()
	fn()
}

// WrapError executes fn with panic recovery, returning error on panic
func (r *RecoveryHandler) WrapError(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := string(debug.Stack())
			err = r.handlePanic(rec, stack)
		}
	}()
	return fn()
}

// recover handles a panic and logs it
func (r *RecoveryHandler) recover() {
	if rec := recover(); rec != nil {
		stack := string(debug.Stack())
		r.handlePanic(rec, stack)
	}
}

// handlePanic logs the panic and calls the custom handler
func (r *RecoveryHandler) handlePanic(rec any, stack string) error {
	errMsg := fmt.Sprintf("panic in %s: %v", r.Component, rec)
	ts := time.Now().UTC().Format(time.RFC3339)

	event := Event{
		Timestamp: ts,
		Level:     LevelError,
		Component: r.Component,
		Event:     "panic_recovered",
		Error:     fmt.Sprintf("%v", rec),
		Extra: map[string]any{
			"stack":     stack,
			"recovered": true,
		},
	}
	eventJSON, _ := json.Marshal(event)
	fmt.Fprintf(os.Stderr, "%s\n", eventJSON)

	if r.OnPanic != nil {
		r.OnPanic(rec, stack)
	}

	return fmt.Errorf("%s", errMsg)
}

// SafeGo launches a goroutine with panic recovery
func SafeGo(component string, fn func()) {
	go func() {
		handler := NewRecoveryHandler(component)
		handler.Wrap(fn)
	}()
}
