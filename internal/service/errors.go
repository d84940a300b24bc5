package service

import "errors"

// Queue service errors
var (
	ErrMissingIdentity = errors.New("missing entry identity")
	ErrEntryNotFound   = errors.New("queue entry not found")
)

// Batch service errors
var (
	ErrBatchNotFound    = errors.New("batch not found")
	ErrNoPendingBatches = errors.New("no pending batches")
)
