package store

import "errors"

var (
	// ErrNotFound indicates the workflow does not exist.
	ErrNotFound = errors.New("workflow not found")

	// ErrWorkflowBusy indicates another holder currently owns the workflow's claim.
	ErrWorkflowBusy = errors.New("workflow is claimed by another worker")

	// ErrClaimLost indicates the claim expired or was taken over before the write.
	ErrClaimLost = errors.New("claim no longer held")

	// ErrClaimClosed indicates the claim was already committed or released.
	ErrClaimClosed = errors.New("claim already closed")

	// ErrAlreadySet indicates a write-once field was written a second time.
	ErrAlreadySet = errors.New("field already set")

	// ErrUnknownDriver indicates an unsupported database driver name.
	ErrUnknownDriver = errors.New("unknown database driver")
)
