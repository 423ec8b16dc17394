package callctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// Hooks is the closed event surface the dashboard layer consumes.
// Hooks are invoked synchronously while the line is locked and must not call
// back into the orchestrator.
type Hooks struct {
	OnPhaseChange func(Phase)
	OnCallStart   func(sessionID string)
	OnCallEnd     func()
}

// Session describes the one call a line is carrying (or just carried).
type Session struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	LeadID      string    `json:"lead_id"`
	Campaign    string    `json:"campaign"`
	CloudCallID string    `json:"cloud_call_id,omitempty"`
	LegacyLeg   bool      `json:"legacy_leg_active"`
	CloudLeg    bool      `json:"cloud_leg_active"`
	StartedAt   time.Time `json:"started_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// Options tunes one orchestrator instance.
type Options struct {
	// CountryCode is stripped from numbers before dialing the legacy leg;
	// the softphone trunk expects local format.
	CountryCode string

	// DialTimeout bounds dialing+ringing; on expiry the call is torn down
	// through the same path as a failed leg event.
	DialTimeout time.Duration

	// Campaign is handed to the cloud voice leg.
	Campaign string

	// Clock is injectable for deterministic tests.
	Clock func() time.Time
}

// Phase transition events.
const (
	evDial     = "dial"
	evRing     = "ring"
	evAnswer   = "answer"
	evComplete = "complete"
	evFail     = "fail"
	evReset    = "reset"
)

// newPhaseFSM builds the closed transition table for a call lifecycle:
// idle -> dialing -> ringing -> connected -> ended, with failed reachable
// from dialing/ringing/connected and idle the terminal-reset state.
func newPhaseFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(PhaseIdle),
		fsm.Events{
			{Name: evDial, Src: []string{string(PhaseIdle)}, Dst: string(PhaseDialing)},
			{Name: evRing, Src: []string{string(PhaseDialing)}, Dst: string(PhaseRinging)},
			{Name: evAnswer, Src: []string{string(PhaseDialing), string(PhaseRinging)}, Dst: string(PhaseConnected)},
			{Name: evComplete, Src: []string{string(PhaseDialing), string(PhaseRinging), string(PhaseConnected)}, Dst: string(PhaseEnded)},
			{Name: evFail, Src: []string{string(PhaseDialing), string(PhaseRinging), string(PhaseConnected)}, Dst: string(PhaseFailed)},
			{Name: evReset, Src: []string{string(PhaseEnded), string(PhaseFailed)}, Dst: string(PhaseIdle)},
		},
		nil,
	)
}

// Orchestrator drives one agent line: a single call at a time across the
// optional legacy (carrier audio) leg and the mandatory cloud (AI voice) leg.
// Instances share nothing but the injected backend clients; concurrency
// across agent lines means one orchestrator per line.
type Orchestrator struct {
	legacy LegacyBackend
	cloud  CloudBackend
	hooks  Hooks
	log    *slog.Logger

	countryCode string
	dialTimeout time.Duration
	campaign    string
	clock       func() time.Time

	mu            sync.Mutex
	machine       *fsm.FSM
	sess          *Session
	legacySession LegacySession
	dialTimer     *time.Timer

	// gen invalidates stale leg events and timers after a teardown.
	gen uint64
}

func New(legacy LegacyBackend, cloud CloudBackend, hooks Hooks, opts Options, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 45 * time.Second
	}
	if opts.Campaign == "" {
		opts.Campaign = "default"
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Orchestrator{
		legacy:      legacy,
		cloud:       cloud,
		hooks:       hooks,
		log:         log,
		countryCode: opts.CountryCode,
		dialTimeout: opts.DialTimeout,
		campaign:    opts.Campaign,
		clock:       clock,
		machine:     newPhaseFSM(),
	}
}

// Phase returns the line's current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Phase(o.machine.Current())
}

// Snapshot returns a copy of the active session, if any.
func (o *Orchestrator) Snapshot() (Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return Session{}, false
	}
	return *o.sess, true
}

// StartCall places one call. The legacy leg is attempted only when the
// backend is registered; the cloud leg is mandatory and its failure aborts
// the call after rolling back the legacy leg.
func (o *Orchestrator) StartCall(ctx context.Context, phoneNumber, leadID string) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if Phase(o.machine.Current()) != PhaseIdle {
		return Session{}, ErrAlreadyInCall
	}

	sess := &Session{
		ID:          uuid.NewString(),
		PhoneNumber: phoneNumber,
		LeadID:      leadID,
		Campaign:    o.campaign,
		StartedAt:   o.clock().UTC(),
	}
	o.sess = sess
	o.transitionLocked(ctx, evDial)
	o.armDialTimerLocked()

	if o.legacy != nil && o.legacy.Registered() {
		number := stripCountryCode(phoneNumber, o.countryCode)
		ls, err := o.legacy.MakeCall(ctx, number)
		if err != nil {
			failure := &CallLegFailure{Leg: LegLegacy, Cause: err.Error()}
			o.log.Error("legacy leg start failed", "session_id", sess.ID, "err", err)
			o.failLocked(ctx, failure)
			return Session{}, failure
		}
		o.legacySession = ls
		sess.LegacyLeg = true
		go o.pumpLegacy(ls, o.gen)
		o.log.Info("legacy leg placed", "session_id", sess.ID)
	} else {
		// Degraded mode: the call proceeds on the cloud leg alone, without
		// carrier audio.
		o.log.Warn("legacy backend not registered, skipping carrier leg", "session_id", sess.ID)
	}

	cloudCall, err := o.cloud.StartCall(ctx, leadID, sess.Campaign)
	if err != nil {
		o.log.Error("cloud leg start failed", "session_id", sess.ID, "err", err)
		o.failLocked(ctx, &CallLegFailure{Leg: LegCloud, Cause: err.Error()})
		return Session{}, fmt.Errorf("%w: %v", ErrCloudLegStart, err)
	}
	sess.CloudLeg = true
	sess.CloudCallID = cloudCall.CallID

	if Phase(o.machine.Current()) == PhaseDialing {
		o.transitionLocked(ctx, evRing)
	}
	if o.hooks.OnCallStart != nil {
		o.hooks.OnCallStart(sess.ID)
	}
	o.log.Info("call started", "session_id", sess.ID, "cloud_call_id", cloudCall.CallID, "lead_id", leadID)
	return *sess, nil
}

// EndCall is the idempotent, best-effort teardown: both legs are terminated
// regardless of each other's outcome, the line returns to idle, and
// OnCallEnd fires exactly once per call that left idle. On an idle line it
// is a no-op.
func (o *Orchestrator) EndCall(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.endLocked(ctx)
}

func (o *Orchestrator) endLocked(ctx context.Context) {
	if Phase(o.machine.Current()) == PhaseIdle {
		return
	}
	sessID := ""
	if o.sess != nil {
		sessID = o.sess.ID
	}
	o.teardownLocked(ctx)
	o.transitionLocked(ctx, evComplete)
	o.transitionLocked(ctx, evReset)
	o.finishSessionLocked()
	o.log.Info("call ended", "session_id", sessID)
}

// failLocked converges every failure (leg event, startup error, dial
// timeout) on the teardown path. Both teardown paths emit the final reset to
// idle, so dashboard consumers always see the line come back.
func (o *Orchestrator) failLocked(ctx context.Context, cause error) {
	if o.sess != nil {
		o.sess.LastError = cause.Error()
	}
	o.teardownLocked(ctx)
	o.transitionLocked(ctx, evFail)
	o.transitionLocked(ctx, evReset)
	o.finishSessionLocked()
}

// teardownLocked terminates both legs best-effort and invalidates pending
// leg events and timers. Errors are swallowed: teardown only guarantees
// local resources are released, not that the remote leg has dropped.
func (o *Orchestrator) teardownLocked(ctx context.Context) {
	o.gen++
	if o.dialTimer != nil {
		o.dialTimer.Stop()
		o.dialTimer = nil
	}
	if o.legacySession != nil {
		if err := o.legacySession.Terminate(); err != nil {
			o.log.Warn("legacy leg terminate failed", "err", err)
		}
		o.legacySession = nil
	}
	if err := o.cloud.EndCall(ctx); err != nil {
		o.log.Warn("cloud leg end failed", "err", err)
	}
}

func (o *Orchestrator) finishSessionLocked() {
	if o.sess == nil {
		return
	}
	o.sess = nil
	if o.hooks.OnCallEnd != nil {
		o.hooks.OnCallEnd()
	}
}

// transitionLocked fires one fsm event and emits the resulting phase.
// Invalid transitions are ignored: guards at the call sites keep the phase
// sequence a valid path through the graph.
func (o *Orchestrator) transitionLocked(ctx context.Context, event string) {
	if err := o.machine.Event(ctx, event); err != nil {
		var invalid fsm.InvalidEventError
		if !errors.As(err, &invalid) {
			o.log.Warn("phase transition rejected", "event", event, "phase", o.machine.Current(), "err", err)
		}
		return
	}
	if o.hooks.OnPhaseChange != nil {
		o.hooks.OnPhaseChange(Phase(o.machine.Current()))
	}
}

// pumpLegacy translates one leg's event stream into phase transitions.
// Events from a leg that has already been torn down are dropped via gen.
func (o *Orchestrator) pumpLegacy(ls LegacySession, gen uint64) {
	for ev := range ls.Events() {
		o.mu.Lock()
		if o.gen != gen {
			o.mu.Unlock()
			return
		}
		switch ev.Kind {
		case LegacyProgress:
			if Phase(o.machine.Current()) == PhaseDialing {
				o.transitionLocked(context.Background(), evRing)
			}
		case LegacyAccepted:
			o.stopDialTimerLocked()
			cur := Phase(o.machine.Current())
			if cur == PhaseDialing || cur == PhaseRinging {
				o.transitionLocked(context.Background(), evAnswer)
			}
		case LegacyFailed:
			o.log.Warn("legacy leg failed", "cause", ev.Cause)
			o.failLocked(context.Background(), &CallLegFailure{Leg: LegLegacy, Cause: ev.Cause})
			o.mu.Unlock()
			return
		case LegacyEnded:
			o.endLocked(context.Background())
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) armDialTimerLocked() {
	gen := o.gen
	o.dialTimer = time.AfterFunc(o.dialTimeout, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.gen != gen {
			return
		}
		cur := Phase(o.machine.Current())
		if cur != PhaseDialing && cur != PhaseRinging {
			return
		}
		o.log.Warn("dial timeout expired", "phase", cur, "timeout", o.dialTimeout)
		o.failLocked(context.Background(), &CallLegFailure{Leg: LegCloud, Cause: "dial timeout"})
	})
}

func (o *Orchestrator) stopDialTimerLocked() {
	if o.dialTimer != nil {
		o.dialTimer.Stop()
		o.dialTimer = nil
	}
}

// stripCountryCode converts a possibly E.164-prefixed number into the local
// format the legacy trunk expects.
func stripCountryCode(number, code string) string {
	n := strings.TrimSpace(number)
	if code == "" {
		return strings.TrimPrefix(n, "+")
	}
	if strings.HasPrefix(n, "+"+code) {
		return n[len(code)+1:]
	}
	n = strings.TrimPrefix(n, "+")
	if strings.HasPrefix(n, code) && len(n) == len(code)+10 {
		return n[len(code):]
	}
	return n
}
