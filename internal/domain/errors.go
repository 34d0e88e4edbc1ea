package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrHalted           = errors.New("admission halted")
	ErrThrottled        = errors.New("admission throttled")
	ErrBribeCapExceeded = errors.New("required bribe exceeds cap")
	ErrNoEndpoint       = errors.New("no healthy ledger endpoint")
	ErrStaleQuote       = errors.New("price quote stale")
	ErrSimulationFailed = errors.New("dry run failed")
	ErrPathRejected     = errors.New("submission path rejected bundle")
	ErrCacheUnavailable = errors.New("cache service unavailable")
	ErrLockHeld         = errors.New("lock already held")
	ErrNoPath           = errors.New("no submission path configured")
)
