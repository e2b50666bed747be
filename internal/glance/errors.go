package glance

import "fmt"

// StoreError wraps a failed store operation with the store name, the
// operation, and the HTTP status if one was received. None of the client
// operations retry internally; callers decide whether a failure aborts a
// run, a slave, or a single image.
type StoreError struct {
	Store      string
	Op         string
	StatusCode int
	Err        error
}

func (e *StoreError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("store %s: %s: http %d: %v", e.Store, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("store %s: %s: %v", e.Store, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
