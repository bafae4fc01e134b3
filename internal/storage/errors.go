package storage

import "errors"

var (
	// ErrBudgetNotFound is returned when a user has no budget row.
	ErrBudgetNotFound = errors.New("token budget not found")

	// ErrAggregateNotFound is returned when a window aggregate is missing.
	ErrAggregateNotFound = errors.New("window aggregate not found")

	// ErrUsageEventNotFound is returned when no usage event exists for a request ID.
	ErrUsageEventNotFound = errors.New("usage event not found")

	// ErrDuplicateRequestID is returned when inserting a usage event whose
	// request_id already exists. The engine compensates its reservation
	// and surfaces this to the caller as an already-handled request.
	ErrDuplicateRequestID = errors.New("duplicate request id")
)
