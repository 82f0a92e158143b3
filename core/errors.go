package core

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/axiomesh/treasury/store"
)

var (
	ErrNotFound     = errors.New("proposal not found")
	ErrStaleState   = errors.New("proposal is not in the expected status")
	ErrReviewExists = errors.New("proposal already reviewed")
)

// ValidationError is bad submission input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// DuplicateWindowError rejects a submission inside the author's cooldown.
type DuplicateWindowError struct {
	Wait time.Duration
}

func (e *DuplicateWindowError) Error() string {
	return fmt.Sprintf("one proposal per author per window, retry in %s", e.Wait.Round(time.Second))
}

// DaysRemaining rounds the wait up to whole days.
func (e *DuplicateWindowError) DaysRemaining() int {
	return int(math.Ceil(e.Wait.Hours() / 24))
}

// translate maps store sentinels onto the lifecycle's.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	case errors.Is(err, store.ErrStaleState):
		return fmt.Errorf("%w: %s", ErrStaleState, err)
	case errors.Is(err, store.ErrReviewExists):
		return fmt.Errorf("%w: %s", ErrReviewExists, err)
	}
	return err
}
