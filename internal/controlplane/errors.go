package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrEmptyRequest     = errors.New("request_text is required")
	ErrInvalidDecision  = errors.New("decision must be approved or rejected")
	ErrReviewerRequired = errors.New("reviewer is required")
	ErrInvalidState     = errors.New("workflow not in WAITING_FOR_APPROVAL")
	ErrAlreadyDecided   = errors.New("workflow already has a human decision")
	ErrUnknownState     = errors.New("unknown workflow state")
)
