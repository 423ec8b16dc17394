package callctl

import "context"

// Phase is the lifecycle phase of the one call a line may carry.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseDialing   Phase = "dialing"
	PhaseRinging   Phase = "ringing"
	PhaseConnected Phase = "connected"
	PhaseEnded     Phase = "ended"
	PhaseFailed    Phase = "failed"
)

// LegacyEventKind enumerates the signaling events a legacy (SIP/WebRTC
// softphone) leg emits after a call is placed.
type LegacyEventKind string

const (
	LegacyProgress LegacyEventKind = "progress"
	LegacyAccepted LegacyEventKind = "accepted"
	LegacyFailed   LegacyEventKind = "failed"
	LegacyEnded    LegacyEventKind = "ended"
)

// LegacyEvent is one signaling event from a legacy leg. Cause is only set
// for failures.
type LegacyEvent struct {
	Kind  LegacyEventKind
	Cause string
}

// LegacySession is one placed call leg on the legacy backend. The events
// channel is closed when the leg will emit nothing further.
type LegacySession interface {
	Events() <-chan LegacyEvent
	Terminate() error
}

// LegacyBackend is the carrier-audio softphone leg. It is optional: when it
// is not registered the call proceeds degraded, without carrier audio.
type LegacyBackend interface {
	Registered() bool
	MakeCall(ctx context.Context, number string) (LegacySession, error)
}

// CloudCall identifies a started cloud voice leg.
type CloudCall struct {
	CallID string `json:"call_id"`
}

// CloudBackend is the AI voice control plane. This leg is authoritative:
// a call cannot exist without it.
type CloudBackend interface {
	StartCall(ctx context.Context, leadID, campaign string) (CloudCall, error)
	EndCall(ctx context.Context) error
}
