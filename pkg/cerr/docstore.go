package cerr

import (
	"errors"
	"fmt"

	"github.com/errandly/errandly/internal/docstore"
)

// WrapDocReadError converts a docstore read failure into a coded error.
func WrapDocReadError(target string, err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return NewError(NotFound, fmt.Sprintf("%s not found", target), err)
	}
	return NewError(Internal, "server error", fmt.Errorf("failed to read %s: %w", target, err))
}

// WrapTxError converts a RunTransaction failure into a coded error. Errors
// already carrying a code pass through untouched; conflict exhaustion and
// anything else uncoded surface as Internal.
func WrapTxError(err error) error {
	if err == nil {
		return nil
	}
	var cErr *Error
	if errors.As(err, &cErr) {
		return err
	}
	if errors.Is(err, docstore.ErrConflict) {
		return NewError(Internal, "the operation could not be completed, please retry", err)
	}
	return NewError(Internal, "server error", err)
}
