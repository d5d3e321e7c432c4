package autoswitch

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mdstack-network/mdstack/pkg/evloop"
	"github.com/mdstack-network/mdstack/pkg/model"
)

type fakeValidator struct {
	mu      sync.Mutex
	pending []func(bool)
}

func (v *fakeValidator) Validate(subID int, done func(passed bool)) {
	v.mu.Lock()
	v.pending = append(v.pending, done)
	v.mu.Unlock()
}

// completeNext resolves the oldest outstanding probe.
func (v *fakeValidator) completeNext(t *testing.T, passed bool) {
	t.Helper()
	v.mu.Lock()
	if len(v.pending) == 0 {
		v.mu.Unlock()
		t.Fatal("no pending validation")
	}
	done := v.pending[0]
	v.pending = v.pending[1:]
	v.mu.Unlock()
	done(passed)
}

type recordingSink struct {
	mu       sync.Mutex
	switches []int
	reverts  int
	notifs   []bool
}

func (s *recordingSink) OnAutoSwitch(target int) {
	s.mu.Lock()
	s.switches = append(s.switches, target)
	s.mu.Unlock()
}

func (s *recordingSink) OnAutoSwitchRevert() {
	s.mu.Lock()
	s.reverts++
	s.mu.Unlock()
}

func (s *recordingSink) ShowAutoSwitchNotification(show bool) {
	s.mu.Lock()
	s.notifs = append(s.notifs, show)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() (switches []int, reverts int, notifs []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.switches...), s.reverts, append([]bool(nil), s.notifs...)
}

type harness struct {
	loop *evloop.Loop
	clk  *clock.Mock
	val  *fakeValidator
	sink *recordingSink
	ctl  *Controller
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{clk: clock.NewMock(), val: &fakeValidator{}, sink: &recordingSink{}}
	h.loop = evloop.New("autoswitch-test", h.clk)
	h.ctl = New(h.loop, h.val, h.sink, opts, 1)
	h.loop.Start()
	t.Cleanup(h.loop.Stop)
	return h
}

func (h *harness) serviceState(subID int, reg model.RegState) {
	h.loop.Call(func() {
		h.ctl.UpdateServiceState(subID, model.ServiceState{Reg: reg, RadioOn: true, Signal: model.SignalGood})
	})
}

func (h *harness) elapse(d time.Duration) {
	h.clk.Add(d)
	h.loop.Call(func() {})
}

// defaultBadOtherHome puts sub 1 (default) out of service and sub 2 home.
func (h *harness) defaultBadOtherHome() {
	h.serviceState(1, model.RegStateNotRegistered)
	h.serviceState(2, model.RegStateHome)
}

// ============================================================
// Switching decisions
// ============================================================

func TestController_SwitchesAfterStability(t *testing.T) {
	h := newHarness(t, Options{Stability: 10 * time.Second})
	h.defaultBadOtherHome()

	switches, _, _ := h.sink.snapshot()
	if len(switches) != 0 {
		t.Fatal("switched before stability elapsed")
	}

	h.elapse(10 * time.Second)
	switches, _, notifs := h.sink.snapshot()
	if len(switches) != 1 || switches[0] != 2 {
		t.Fatalf("switches = %v, want [2]", switches)
	}
	if len(notifs) != 1 || !notifs[0] {
		t.Errorf("notifications = %v, want [show]", notifs)
	}
}

func TestController_ConditionLostDuringStabilityCancels(t *testing.T) {
	h := newHarness(t, Options{Stability: 10 * time.Second})
	h.defaultBadOtherHome()

	// Default recovers before the window expires.
	h.serviceState(1, model.RegStateHome)
	h.elapse(time.Minute)

	if switches, _, _ := h.sink.snapshot(); len(switches) != 0 {
		t.Errorf("switches = %v, want none", switches)
	}
}

func TestController_RoamingDefaultTriggersSwitch(t *testing.T) {
	h := newHarness(t, Options{Stability: time.Second})
	h.serviceState(1, model.RegStateRoaming)
	h.serviceState(2, model.RegStateHome)
	h.elapse(time.Second)

	if switches, _, _ := h.sink.snapshot(); len(switches) != 1 {
		t.Errorf("switches = %v, want [2]", switches)
	}
}

func TestController_DisabledNeverSwitches(t *testing.T) {
	h := newHarness(t, Options{Stability: time.Second})
	h.loop.Call(func() { h.ctl.SetEnabled(false) })
	h.defaultBadOtherHome()
	h.elapse(time.Minute)

	if switches, _, _ := h.sink.snapshot(); len(switches) != 0 {
		t.Errorf("switches = %v, want none while disabled", switches)
	}
}

func TestController_RevertsWhenDefaultRecovers(t *testing.T) {
	h := newHarness(t, Options{Stability: time.Second})
	h.defaultBadOtherHome()
	h.elapse(time.Second)

	h.serviceState(1, model.RegStateHome)
	_, reverts, _ := h.sink.snapshot()
	if reverts != 1 {
		t.Fatalf("reverts = %d, want 1", reverts)
	}
	var switched bool
	h.loop.Call(func() { switched = h.ctl.Switched() })
	if switched {
		t.Error("still marked switched after revert")
	}
}

// ============================================================
// Validation
// ============================================================

func TestController_ValidationGatesSwitch(t *testing.T) {
	h := newHarness(t, Options{Stability: time.Second, PingTestRequired: true, MaxValidationRetries: 3})
	h.defaultBadOtherHome()
	h.elapse(time.Second)

	if switches, _, _ := h.sink.snapshot(); len(switches) != 0 {
		t.Fatal("switched before validation completed")
	}

	h.val.completeNext(t, true)
	h.loop.Call(func() {})
	if switches, _, _ := h.sink.snapshot(); len(switches) != 1 {
		t.Errorf("switches = %v, want [2] after validation passed", switches)
	}
}

func TestController_ValidationRetriesBounded(t *testing.T) {
	h := newHarness(t, Options{Stability: time.Second, PingTestRequired: true, MaxValidationRetries: 2})
	h.defaultBadOtherHome()
	h.elapse(time.Second)

	h.val.completeNext(t, false)
	h.loop.Call(func() {})
	// One retry allowed, then the attempt is abandoned.
	h.val.completeNext(t, false)
	h.loop.Call(func() {})

	if switches, _, _ := h.sink.snapshot(); len(switches) != 0 {
		t.Errorf("switches = %v, want none after bounded retries", switches)
	}
	var target int
	h.loop.Call(func() { target = h.ctl.Target() })
	if target != -1 {
		t.Errorf("Target = %d, want -1 (idle)", target)
	}
}

func TestController_FailureThenSuccessWithinBudget(t *testing.T) {
	h := newHarness(t, Options{Stability: time.Second, PingTestRequired: true, MaxValidationRetries: 3})
	h.defaultBadOtherHome()
	h.elapse(time.Second)

	h.val.completeNext(t, false)
	h.loop.Call(func() {})
	h.val.completeNext(t, true)
	h.loop.Call(func() {})

	if switches, _, _ := h.sink.snapshot(); len(switches) != 1 {
		t.Errorf("switches = %v, want [2]", switches)
	}
}

func TestController_StaleValidationIgnoredAfterConditionLost(t *testing.T) {
	h := newHarness(t, Options{Stability: time.Second, PingTestRequired: true, MaxValidationRetries: 3})
	h.defaultBadOtherHome()
	h.elapse(time.Second)

	// Condition collapses while the probe is in flight; its late success
	// must not switch.
	h.serviceState(1, model.RegStateHome)
	h.val.completeNext(t, true)
	h.loop.Call(func() {})

	if switches, _, _ := h.sink.snapshot(); len(switches) != 0 {
		t.Errorf("switches = %v, want none from stale validation", switches)
	}
}

// ============================================================
// Notification toggling
// ============================================================

func TestController_RepeatSwitchHidesNotification(t *testing.T) {
	h := newHarness(t, Options{Stability: time.Second})

	h.defaultBadOtherHome()
	h.elapse(time.Second)
	h.serviceState(1, model.RegStateHome)

	h.serviceState(1, model.RegStateNotRegistered)
	h.elapse(time.Second)

	switches, reverts, notifs := h.sink.snapshot()
	if len(switches) != 2 || reverts != 1 {
		t.Fatalf("switches = %v, reverts = %d, want 2 switches and 1 revert", switches, reverts)
	}
	if len(notifs) != 2 || !notifs[0] || notifs[1] {
		t.Errorf("notifications = %v, want [show hide]", notifs)
	}
}
