package billsync

import "errors"

var (
	// ErrNotFound is returned when a stored record does not exist
	ErrNotFound = errors.New("not found")

	// ErrCustomerNotFound is returned when a customer aggregate cannot be loaded
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrCustomerProductNotFound is returned for unknown customer product ids
	ErrCustomerProductNotFound = errors.New("customer product not found")

	// ErrDefaultProductMissing is returned when a group has no default product to fall back to
	ErrDefaultProductMissing = errors.New("default product missing")

	// ErrLockUnavailable is returned by fail-closed guards when the lock backend errors
	ErrLockUnavailable = errors.New("lock backend unavailable")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUnknownStatus marks a customer product whose status is outside KnownStatuses
	ErrUnknownStatus = errors.New("unknown customer product status")

	// ErrInvalidInterval is returned for intervals the cycle math cannot step
	ErrInvalidInterval = errors.New("invalid interval")
)
