// ABOUTME: Error values returned by the ingestion service
// ABOUTME: Validation failures wrap ErrInvalidRequest; lookups keep store.ErrNotFound

package ingest

import (
	"errors"
	"fmt"

	"github.com/2389/coven-hub/internal/store"
)

// ErrInvalidRequest marks requests rejected before any store mutation.
var ErrInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// IsValidation reports whether err is a caller mistake rather than a lookup or
// downstream failure. Store-level argument and reply errors count as validation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, store.ErrInvalidArgument) ||
		errors.Is(err, store.ErrInvalidReply)
}
