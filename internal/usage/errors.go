package usage

import "errors"

var (
	// ErrInsufficientTokens means the period budget alone cannot cover the
	// request, regardless of what is currently reserved. A hard denial.
	ErrInsufficientTokens = errors.New("insufficient tokens for this billing period")

	// ErrReportsInFlight means the budget could cover the request once
	// running reports finish and release their reservations. A soft denial.
	ErrReportsInFlight = errors.New("other analyses are using the remaining budget")
)
