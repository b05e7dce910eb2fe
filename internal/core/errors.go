package core

import (
	"context"
	"errors"
	"fmt"
)

// Failure classes shared by every stage. Adapters wrap their causes with one
// of these so the orchestrator can decide between retry, degrade and fallback.
var (
	ErrAuthentication        = errors.New("authentication failure")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrGenerationRejected    = errors.New("generation rejected")
	ErrValidation            = errors.New("validation failure")
)

func unavailable(service string, cause error) error {
	return fmt.Errorf("%s: %w: %w", service, ErrDependencyUnavailable, cause)
}

func unavailablef(service, format string, args ...any) error {
	return unavailable(service, fmt.Errorf(format, args...))
}

func rejected(service string, cause error) error {
	return fmt.Errorf("%s: %w: %w", service, ErrGenerationRejected, cause)
}

// asDependencyFailure maps timeouts and untyped errors onto ErrDependencyUnavailable.
// Errors that already carry a class are returned as-is.
func asDependencyFailure(service string, err error) error {
	switch {
	case err == nil:
		return nil
	case classified(err):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return unavailable(service, fmt.Errorf("timed out: %w", err))
	}
	return unavailable(service, err)
}

func classified(err error) bool {
	return errors.Is(err, ErrDependencyUnavailable) ||
		errors.Is(err, ErrGenerationRejected) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAuthentication)
}
