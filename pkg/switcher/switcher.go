// Package switcher is the device-wide arbiter of which modem slot carries
// data. It reconciles the default-data subscription, opportunistic
// overrides, emergency overrides, voice-call precedence, and auto-switch
// directives into a single preferred slot, and confirms every change
// through the radio before treating it as authoritative.
package switcher

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdstack-network/mdstack/pkg/evloop"
	"github.com/mdstack-network/mdstack/pkg/model"
	"github.com/mdstack-network/mdstack/pkg/radio"
	"github.com/mdstack-network/mdstack/pkg/util"
)

// CompletionCode is the outcome reported to the OS layer for an
// opportunistic-subscription request.
type CompletionCode int

const (
	CompletionSuccess CompletionCode = iota
	CompletionValidationFailed
	CompletionInactiveSubscription
	CompletionUnsupported
)

var completionNames = map[CompletionCode]string{
	CompletionSuccess:              "success",
	CompletionValidationFailed:     "validation-failed",
	CompletionInactiveSubscription: "inactive-subscription",
	CompletionUnsupported:          "unsupported",
}

func (c CompletionCode) String() string {
	if s, ok := completionNames[c]; ok {
		return s
	}
	return "unknown"
}

// Source names one rung of the precedence ladder.
type Source string

const (
	SourceEmergency     Source = "emergency"
	SourceVoice         Source = "voice"
	SourceOpportunistic Source = "opportunistic"
	SourceAutoSwitch    Source = "autoswitch"
	SourceDefault       Source = "default"
)

// defaultPrecedence is used when config supplies no (or an unusable)
// ordering. The opportunistic-before-autoswitch position is the
// configurable part.
var defaultPrecedence = []Source{
	SourceEmergency, SourceVoice, SourceOpportunistic, SourceAutoSwitch, SourceDefault,
}

// Validator probes connectivity on a candidate subscription.
type Validator interface {
	Validate(subID int, done func(passed bool))
}

// Sink is notified when a subscription's permission to carry data changes.
// Invoked synchronously on the owning loop.
type Sink interface {
	OnDataAllowedChanged(subID int, allowed bool)
}

// Slot binds a physical modem slot to its subscription.
type Slot struct {
	Slot  int
	SubID int
}

// Options configures the arbiter.
type Options struct {
	Slots          []Slot
	DefaultDataSub int
	DataDuringCall bool

	EmergencyGrace   time.Duration
	EmergencyTimeout time.Duration

	// ModemRetry is the fixed delay between retries of a failed
	// preferred-modem command.
	ModemRetry time.Duration

	// Precedence overrides the ladder order, entries naming Sources.
	Precedence []string

	// OpportunisticSupported clears when the feature flag is off;
	// requests then complete with CompletionUnsupported.
	OpportunisticSupported bool
}

const maxModemRetries = 3

// Switcher is the arbiter. All methods must run on the owning device-wide
// loop.
type Switcher struct {
	loop *evloop.Loop
	ctrl radio.Control
	val  Validator
	sink Sink
	opts Options
	prec []Source
	log  *logrus.Entry

	defaultSub int
	callStates map[int]model.CallState

	emergencySub      int
	emergencyCallSeen bool
	emergencyTask     *evloop.Task

	oppSub   int
	oppEpoch int
	oppDone  func(CompletionCode)
	autoSub  int

	// hasRequests tracks which subscriptions have outstanding network
	// requests. A subscription with nothing to serve is never granted
	// data, whichever slot the radio confirms.
	hasRequests map[int]bool

	// confirmedSlot is the slot the radio last acknowledged, -1 before
	// the first confirmation. DataAllowed never turns true for a slot
	// the radio has not confirmed.
	confirmedSlot int
	pendingSlot   int
	pendingTries  int
	retryTask     *evloop.Task
	waitingSim    bool

	allowed map[int]bool
}

// New builds the arbiter. Call Evaluate on the loop after Start to issue
// the initial preferred-modem command.
func New(loop *evloop.Loop, ctrl radio.Control, val Validator, sink Sink, opts Options) *Switcher {
	if opts.ModemRetry <= 0 {
		opts.ModemRetry = 5 * time.Second
	}
	if opts.EmergencyGrace <= 0 {
		opts.EmergencyGrace = 3 * time.Second
	}
	if opts.EmergencyTimeout <= 0 {
		opts.EmergencyTimeout = 30 * time.Second
	}
	s := &Switcher{
		loop:          loop,
		ctrl:          ctrl,
		val:           val,
		sink:          sink,
		opts:          opts,
		prec:          parsePrecedence(opts.Precedence),
		log:           util.WithComponent("switcher"),
		defaultSub:    opts.DefaultDataSub,
		callStates:    make(map[int]model.CallState),
		emergencySub:  -1,
		oppSub:        -1,
		autoSub:       -1,
		hasRequests:   make(map[int]bool),
		confirmedSlot: -1,
		pendingSlot:   -1,
		allowed:       make(map[int]bool),
	}
	return s
}

func parsePrecedence(names []string) []Source {
	seen := make(map[Source]bool)
	var out []Source
	for _, n := range names {
		src := Source(n)
		switch src {
		case SourceEmergency, SourceVoice, SourceOpportunistic, SourceAutoSwitch, SourceDefault:
			if !seen[src] {
				seen[src] = true
				out = append(out, src)
			}
		}
	}
	// Anything unnamed keeps its default position after the named rungs.
	for _, src := range defaultPrecedence {
		if !seen[src] {
			out = append(out, src)
		}
	}
	return out
}

// SetDefaultDataSub tracks the device default-data subscription.
func (s *Switcher) SetDefaultDataSub(subID int) {
	s.defaultSub = subID
	s.Evaluate()
}

// SetDataDuringCall toggles cross-modem data during voice calls.
func (s *Switcher) SetDataDuringCall(enabled bool) {
	s.opts.DataDuringCall = enabled
	s.Evaluate()
}

// OnCallStateChanged feeds voice call state for a subscription.
func (s *Switcher) OnCallStateChanged(subID int, st model.CallState) {
	s.callStates[subID] = st
	if s.emergencySub != -1 {
		s.trackEmergencyCall(subID, st)
	}
	s.Evaluate()
}

// OnSimStateChanged unblocks an arbiter that is parked on a SIM-state
// error.
func (s *Switcher) OnSimStateChanged(subID int, ready bool) {
	if !ready || !s.waitingSim {
		return
	}
	s.waitingSim = false
	s.Evaluate()
}

// SetRequestsPresent tracks whether the subscription's request registry
// holds any requests. Data permission follows immediately: releasing the
// last request revokes it and the first new request restores it, with no
// modem command in between.
func (s *Switcher) SetRequestsPresent(subID int, present bool) {
	if s.hasRequests[subID] == present {
		return
	}
	s.hasRequests[subID] = present
	s.applyAllowed()
}

// OnAutoSwitch applies an auto-data-switch directive.
func (s *Switcher) OnAutoSwitch(target int) {
	s.autoSub = target
	s.Evaluate()
}

// OnAutoSwitchRevert clears the auto-data-switch directive.
func (s *Switcher) OnAutoSwitchRevert() {
	s.autoSub = -1
	s.Evaluate()
}

// DataAllowed reports whether the subscription may carry data right now.
func (s *Switcher) DataAllowed(subID int) bool { return s.allowed[subID] }

// AuthoritativeSub returns the subscription the ladder currently elects
// and the rung that elected it.
func (s *Switcher) AuthoritativeSub() (int, Source) {
	for _, src := range s.prec {
		if sub, ok := s.claim(src); ok {
			return sub, src
		}
	}
	return s.defaultSub, SourceDefault
}

func (s *Switcher) claim(src Source) (int, bool) {
	switch src {
	case SourceEmergency:
		if s.emergencySub != -1 {
			return s.emergencySub, true
		}
	case SourceVoice:
		if s.opts.DataDuringCall {
			for subID, st := range s.callStates {
				if subID != s.defaultSub && st == model.CallStateOffhook {
					return subID, true
				}
			}
		}
	case SourceOpportunistic:
		if s.oppSub != -1 {
			return s.oppSub, true
		}
	case SourceAutoSwitch:
		if s.autoSub != -1 {
			return s.autoSub, true
		}
	case SourceDefault:
		return s.defaultSub, true
	}
	return -1, false
}

// ============================================================
// Emergency override
// ============================================================

// ActivateEmergencyOverride routes data to subID for the duration of an
// emergency call. The override expires on its own: after the call ends
// plus a grace period, or after a timeout if no call ever starts.
func (s *Switcher) ActivateEmergencyOverride(subID int) {
	s.cancelEmergencyTask()
	s.emergencySub = subID
	s.emergencyCallSeen = false
	s.emergencyTask = s.loop.PostDelayed(s.opts.EmergencyTimeout, func() {
		s.emergencyTask = nil
		if !s.emergencyCallSeen {
			s.log.Info("emergency override expired without a call")
			s.clearEmergency()
		}
	})
	s.log.WithField("sub", subID).Info("emergency override active")
	s.Evaluate()
}

// DeactivateEmergencyOverride clears the override immediately.
func (s *Switcher) DeactivateEmergencyOverride() {
	s.clearEmergency()
}

func (s *Switcher) trackEmergencyCall(subID int, st model.CallState) {
	if subID != s.emergencySub {
		return
	}
	if st == model.CallStateOffhook {
		s.emergencyCallSeen = true
		s.cancelEmergencyTask()
		return
	}
	if st == model.CallStateIdle && s.emergencyCallSeen {
		// call over: hold the override for the grace period
		s.cancelEmergencyTask()
		s.emergencyTask = s.loop.PostDelayed(s.opts.EmergencyGrace, func() {
			s.emergencyTask = nil
			s.clearEmergency()
		})
	}
}

func (s *Switcher) clearEmergency() {
	s.cancelEmergencyTask()
	if s.emergencySub == -1 {
		return
	}
	s.emergencySub = -1
	s.emergencyCallSeen = false
	s.Evaluate()
}

func (s *Switcher) cancelEmergencyTask() {
	if s.emergencyTask != nil {
		s.emergencyTask.Cancel()
		s.emergencyTask = nil
	}
}

// ============================================================
// Opportunistic requests
// ============================================================

// SetOpportunisticDataSub requests that subID carry data opportunistically,
// completing with an OS-facing code. subID -1 clears the override. A
// request arriving while a prior validation is still pending fails the
// prior request with CompletionValidationFailed first.
func (s *Switcher) SetOpportunisticDataSub(subID int, skipValidation bool, done func(CompletionCode)) {
	if done == nil {
		done = func(CompletionCode) {}
	}
	if !s.opts.OpportunisticSupported {
		done(CompletionUnsupported)
		return
	}
	// last writer wins
	s.oppEpoch++
	if s.oppDone != nil {
		prior := s.oppDone
		s.oppDone = nil
		prior(CompletionValidationFailed)
	}

	if subID == -1 {
		s.oppSub = -1
		done(CompletionSuccess)
		s.Evaluate()
		return
	}
	if s.slotForSub(subID) == -1 {
		done(CompletionInactiveSubscription)
		return
	}
	if skipValidation {
		s.oppSub = subID
		done(CompletionSuccess)
		s.Evaluate()
		return
	}

	epoch := s.oppEpoch
	s.oppDone = done
	s.val.Validate(subID, func(passed bool) {
		s.loop.Post(func() { s.opportunisticValidated(epoch, subID, passed) })
	})
}

func (s *Switcher) opportunisticValidated(epoch, subID int, passed bool) {
	if epoch != s.oppEpoch || s.oppDone == nil {
		return
	}
	done := s.oppDone
	s.oppDone = nil
	if !passed {
		done(CompletionValidationFailed)
		return
	}
	s.oppSub = subID
	done(CompletionSuccess)
	s.Evaluate()
}

// ============================================================
// Slot reconciliation
// ============================================================

// Evaluate reconciles the preferred modem slot with the ladder's verdict.
// Idempotent; safe to call on every input change.
func (s *Switcher) Evaluate() {
	sub, src := s.AuthoritativeSub()
	slot := s.slotForSub(sub)
	if slot == -1 {
		s.log.WithField("sub", sub).Warn("authoritative subscription has no slot")
		return
	}
	if slot == s.confirmedSlot || s.pendingSlot != -1 || s.waitingSim {
		return
	}
	s.log.WithFields(logrus.Fields{"sub": sub, "slot": slot, "source": src}).
		Info("switching preferred data modem")
	s.issuePreferred(slot, 0)
}

func (s *Switcher) issuePreferred(slot, tries int) {
	s.pendingSlot = slot
	s.pendingTries = tries
	s.ctrl.SetPreferredDataModem(slot, func(err error) {
		s.loop.Post(func() { s.preferredDone(slot, err) })
	})
}

func (s *Switcher) preferredDone(slot int, err error) {
	if s.pendingSlot != slot {
		return
	}
	s.pendingSlot = -1

	switch {
	case err == nil:
		s.confirmedSlot = slot
		s.applyAllowed()
		// inputs may have moved while the command was in flight
		s.Evaluate()
	case util.IsSIMStateError(err):
		s.log.WithField("slot", slot).Warnf("modem switch blocked: %v, waiting for SIM", err)
		s.waitingSim = true
	case util.IsTransientRadioError(err) && s.pendingTries+1 < maxModemRetries:
		tries := s.pendingTries + 1
		s.log.WithField("slot", slot).Debugf("modem switch failed (%v), retry %d", err, tries)
		s.retryTask = s.loop.PostDelayed(s.opts.ModemRetry, func() {
			s.retryTask = nil
			if s.pendingSlot != -1 || s.waitingSim {
				return
			}
			// only retry if the ladder still wants this slot
			sub, _ := s.AuthoritativeSub()
			if s.slotForSub(sub) == slot && slot != s.confirmedSlot {
				s.issuePreferred(slot, tries)
			}
		})
	default:
		s.log.WithField("slot", slot).Errorf("modem switch failed: %v", err)
	}
}

// applyAllowed recomputes per-subscription data permission from the
// confirmed slot and request presence, and notifies the sink about changes.
func (s *Switcher) applyAllowed() {
	winner := s.subForSlot(s.confirmedSlot)
	for _, sl := range s.opts.Slots {
		now := sl.SubID == winner && s.hasRequests[sl.SubID]
		if s.allowed[sl.SubID] != now {
			s.allowed[sl.SubID] = now
			s.log.WithField("sub", sl.SubID).Infof("data allowed: %v", now)
			if s.sink != nil {
				s.sink.OnDataAllowedChanged(sl.SubID, now)
			}
		}
	}
}

func (s *Switcher) slotForSub(subID int) int {
	for _, sl := range s.opts.Slots {
		if sl.SubID == subID {
			return sl.Slot
		}
	}
	return -1
}

func (s *Switcher) subForSlot(slot int) int {
	for _, sl := range s.opts.Slots {
		if sl.Slot == slot {
			return sl.SubID
		}
	}
	return -1
}
