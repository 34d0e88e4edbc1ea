package domain

// AvailabilityState is the three-valued admission-control flag that gates all
// submissions. Exactly one value is authoritative process-wide at any
// instant; only the governor writes it.
type AvailabilityState string

const (
	// StateNormal admits unconditionally, subject to limit checks.
	StateNormal AvailabilityState = "normal"
	// StateThrottled admits with fixed 50% probability per call.
	StateThrottled AvailabilityState = "throttled"
	// StateHalted rejects everything until an explicit operator resume.
	StateHalted AvailabilityState = "halted"
)

// Valid reports whether s is one of the three defined states.
func (s AvailabilityState) Valid() bool {
	switch s {
	case StateNormal, StateThrottled, StateHalted:
		return true
	}
	return false
}
