package firestore

import (
	"errors"
	"fmt"

	pfirestore "github.com/agentcommerce/gateway/internal/platform/firestore"
	"github.com/agentcommerce/gateway/internal/repositories"
)

// translate maps Firestore classifications onto repository sentinels while keeping the cause.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := pfirestore.WrapError(op, err)
	switch {
	case errors.Is(wrapped, pfirestore.ErrNotFound):
		return fmt.Errorf("%w: %v", repositories.ErrNotFound, wrapped)
	case errors.Is(wrapped, pfirestore.ErrConflict):
		return fmt.Errorf("%w: %v", repositories.ErrConflict, wrapped)
	case errors.Is(wrapped, pfirestore.ErrUnavailable):
		return fmt.Errorf("%w: %v", repositories.ErrUnavailable, wrapped)
	default:
		return wrapped
	}
}
