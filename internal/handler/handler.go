// Package handler defines the capability handler contract and the three
// built-in handlers: config change, OS reconfiguration, and instance restart.
package handler

import (
	"context"
	"fmt"
	"strconv"

	"github.com/isc-ryoung/remedyd/internal/model"
)

// Result is what a successful Execute returns. Detail is retained for audit
// and handed back to Rollback; FollowUp, when set, requests a dependent
// command (e.g. a restart mandated by a config change).
type Result struct {
	Detail   map[string]any
	FollowUp *model.FollowUp
}

// Handler is the capability contract the engine depends on. Implementations
// own their I/O and any retries; the engine owns sequencing, timeouts, and
// rollback orchestration.
type Handler interface {
	Kind() model.ActionKind
	Validate(ctx context.Context, params map[string]any) error
	Execute(ctx context.Context, params map[string]any) (Result, error)
	Rollback(ctx context.Context, params map[string]any, prior Result) error
}

// ValidationError is a handler precondition failure: the command is malformed
// or the target is not in a state where execute could succeed. The engine
// fails the command without attempting execute.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "handler validation: " + e.Reason
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// stringParam extracts a required non-empty string parameter.
func stringParam(params map[string]any, name string) (string, error) {
	v, ok := params[name]
	if !ok {
		return "", validationErrorf("missing parameter %q", name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", validationErrorf("parameter %q must be a non-empty string", name)
	}
	return s, nil
}

// intParam extracts a required integer parameter, accepting JSON numbers and
// numeric strings.
func intParam(params map[string]any, name string) (int, error) {
	v, ok := params[name]
	if !ok {
		return 0, validationErrorf("missing parameter %q", name)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, validationErrorf("parameter %q is not numeric: %q", name, n)
		}
		return i, nil
	default:
		return 0, validationErrorf("parameter %q has unsupported type %T", name, v)
	}
}
