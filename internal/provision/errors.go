package provision

import (
	"errors"
	"fmt"
)

var (
	ErrConfig       = errors.New("provision: configuration error")
	ErrExternalCall = errors.New("provision: external call failed")
	ErrNotFound     = errors.New("provision: not found")
	ErrConflict     = errors.New("provision: conflict")
	ErrInvalidInput = errors.New("provision: invalid input")
)

// ConfigError reports a missing or unusable setting, or missing seed data.
// It is never retried; Remedy tells the operator what to change.
type ConfigError struct {
	Field  string
	Reason string
	Remedy string
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
	if e.Remedy != "" {
		msg += " (" + e.Remedy + ")"
	}
	return msg
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// ExternalCallError reports a failed call to the backend service. Body holds
// the response body as returned, for the operator to read.
type ExternalCallError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *ExternalCallError) Error() string {
	switch {
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": failed"
	}
}

func (e *ExternalCallError) Is(target error) bool { return target == ErrExternalCall }

func (e *ExternalCallError) Unwrap() error { return e.Err }

// PartialProgressError reports a multi-statement stage that stopped after
// Executed of Total statements. Earlier statements are not rolled back.
type PartialProgressError struct {
	Stage    Stage
	Executed int
	Total    int
	Err      error
}

func (e *PartialProgressError) Error() string {
	return fmt.Sprintf("%s stopped after %d of %d statements: %v", e.Stage, e.Executed, e.Total, e.Err)
}

func (e *PartialProgressError) Unwrap() error { return e.Err }

// AsExternal converts err into an *ExternalCallError for op unless it already
// belongs to the error taxonomy.
func AsExternal(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		cfg     *ConfigError
		ext     *ExternalCallError
		partial *PartialProgressError
	)
	if errors.As(err, &cfg) || errors.As(err, &ext) || errors.As(err, &partial) {
		return err
	}
	return &ExternalCallError{Op: op, Err: err}
}
