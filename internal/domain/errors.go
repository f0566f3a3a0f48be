package domain

import "errors"

// Error classes for the monitoring pipeline. Callers classify with
// errors.Is; concrete causes are wrapped around these sentinels.
var (
	// ErrFetch covers network failures and 4xx/5xx responses from the
	// target site. Never fatal; the website is retried on a later tick.
	ErrFetch = errors.New("fetch failed")

	// ErrOracle covers scoring-oracle unavailability. A result hit by it
	// is persisted without an AI analysis.
	ErrOracle = errors.New("scoring oracle unavailable")

	// ErrPersistence covers store unavailability. Fatal to the current
	// check only; the session is marked failed and operators are alerted.
	ErrPersistence = errors.New("persistence unavailable")

	// ErrConfiguration covers malformed settings. Rejected at write time,
	// never reaches the pipeline.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrNotFound is returned by store lookups with no matching row.
	ErrNotFound = errors.New("not found")
)
