package reports

import "errors"

var (
	ErrNotFound     = errors.New("report not found")
	ErrInvalidState = errors.New("report is not awaiting clarification")
	ErrEmptyAnswer  = errors.New("clarification answer is required")
)

// ExpiredMessage is the user-facing explanation set on clarification timeout.
const ExpiredMessage = "No clarification answer was received within the allowed time, so this analysis has expired. Please submit a new request."
