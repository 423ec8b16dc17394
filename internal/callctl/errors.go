package callctl

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInCall is returned by StartCall when the line is not idle.
	ErrAlreadyInCall = errors.New("line already in a call")

	// ErrCloudLegStart is returned when the mandatory cloud voice leg could
	// not be started; the whole call is aborted.
	ErrCloudLegStart = errors.New("cloud voice leg failed to start")
)

// Leg names used in failures and logs.
const (
	LegLegacy = "legacy"
	LegCloud  = "cloud"
)

// CallLegFailure reports that one leg of a call failed.
type CallLegFailure struct {
	Leg   string
	Cause string
}

func (e *CallLegFailure) Error() string {
	return fmt.Sprintf("%s leg failed: %s", e.Leg, e.Cause)
}
