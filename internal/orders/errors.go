package orders

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")

	// ErrInsufficientStock is also an ErrConflict; see StockError.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrDuplicateOrder is returned by a Ledger when (user, external id) already exists.
	ErrDuplicateOrder = errors.New("order already exists")
)

// StockError reports a failed reservation for one line.
type StockError struct {
	ProductID   string
	ProductName string
	Requested   int
	Available   int
}

func (e *StockError) Error() string {
	name := e.ProductID
	if e.ProductName != "" {
		name = fmt.Sprintf("%s (%s)", e.ProductName, e.ProductID)
	}
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", name, e.Requested, e.Available)
}

func (e *StockError) Is(target error) bool {
	return target == ErrInsufficientStock || target == ErrConflict
}

// internalErr hides the storage cause behind ErrInternal while keeping it
// reachable through errors.Is/As for logging.
func internalErr(op string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, cause)
}

// classify keeps business errors as they are and turns anything else into ErrInternal.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict), errors.Is(err, ErrInternal):
		return err
	default:
		return internalErr(op, err)
	}
}
