// Whole-stack tests: the complete dual-SIM orchestration core assembled
// around the simulated radio, driven through the same fan-out wiring the
// daemon uses. Fully in-process and deterministic (mock clock), unlike the
// per-package tests these cross every component boundary.
package e2e_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mdstack-network/mdstack/pkg/autoswitch"
	"github.com/mdstack-network/mdstack/pkg/controller"
	"github.com/mdstack-network/mdstack/pkg/evloop"
	"github.com/mdstack-network/mdstack/pkg/model"
	"github.com/mdstack-network/mdstack/pkg/profile"
	"github.com/mdstack-network/mdstack/pkg/radio"
	"github.com/mdstack-network/mdstack/pkg/recovery"
	"github.com/mdstack-network/mdstack/pkg/request"
	"github.com/mdstack-network/mdstack/pkg/retry"
	"github.com/mdstack-network/mdstack/pkg/switcher"
)

const stability = 10 * time.Second

type stackHarness struct {
	t      *testing.T
	clk    *clock.Mock
	sim    *radio.SimRadio
	device *evloop.Loop
	sw     *switcher.Switcher
	autosw *autoswitch.Controller
	subIDs []int
	subs   map[int]*subHarness
}

type subHarness struct {
	h        *stackHarness
	subID    int
	loop     *evloop.Loop
	ctrl     *controller.Controller
	rec      *recovery.Engine
	internet *request.Request

	// sub-loop state
	internetUp bool
	actions    []recovery.Action
}

// OnInternetUp implements controller.InternetSink.
func (sub *subHarness) OnInternetUp(subID int, up bool) {
	sub.internetUp = up
	sub.rec.SetNetworkUp(up)
}

// OnRequestsPresent implements controller.OccupancySink, posting to the
// device loop like the daemon.
func (sub *subHarness) OnRequestsPresent(subID int, present bool) {
	sub.h.device.Post(func() { sub.h.sw.SetRequestsPresent(subID, present) })
}

// PerformRecovery implements recovery.Sink, dispatching like the daemon.
func (sub *subHarness) PerformRecovery(a recovery.Action) {
	sub.actions = append(sub.actions, a)
	switch a {
	case recovery.ActionGetDataCallList:
		sub.h.sim.RequestDataCallList(sub.subID, func(calls []model.DataCallStatus) {
			sub.ctrl.HandleRadioEvent(radio.DataCallListChanged{SubID: sub.subID, Calls: calls})
		})
	case recovery.ActionCleanup:
		sub.ctrl.Cleanup()
	case recovery.ActionRadioRestart:
		sub.h.sim.RestartRadio(sub.subID)
	case recovery.ActionModemReset:
		sub.h.sim.ResetModem(sub.subID)
	}
}

func (sub *subHarness) recordedActions() []recovery.Action {
	var out []recovery.Action
	sub.loop.Call(func() { out = append(out, sub.actions...) })
	return out
}

// passValidator approves every connectivity probe immediately.
type passValidator struct{}

func (passValidator) Validate(subID int, done func(bool)) { done(true) }

// allowedFanout routes arbiter verdicts to the per-sub stacks.
type allowedFanout struct{ h *stackHarness }

func (f *allowedFanout) OnDataAllowedChanged(subID int, allowed bool) {
	sub, ok := f.h.subs[subID]
	if !ok {
		return
	}
	sub.ctrl.OnDataAllowedChanged(allowed)
	sub.loop.Post(func() { sub.rec.SetDataAllowed(allowed) })
}

// autoFanout routes auto-switch directives into the arbiter.
type autoFanout struct{ h *stackHarness }

func (f *autoFanout) OnAutoSwitch(targetSub int)           { f.h.sw.OnAutoSwitch(targetSub) }
func (f *autoFanout) OnAutoSwitchRevert()                  { f.h.sw.OnAutoSwitchRevert() }
func (f *autoFanout) ShowAutoSwitchNotification(show bool) {}

func newStackHarness(t *testing.T, recoveryOpts *recovery.Options) *stackHarness {
	t.Helper()
	h := &stackHarness{
		t:      t,
		clk:    clock.NewMock(),
		sim:    radio.NewSimRadio(),
		subIDs: []int{1, 2},
		subs:   make(map[int]*subHarness),
	}
	h.device = evloop.New("device", h.clk)

	h.sw = switcher.New(h.device, h.sim, passValidator{}, &allowedFanout{h: h}, switcher.Options{
		Slots:          []switcher.Slot{{Slot: 0, SubID: 1}, {Slot: 1, SubID: 2}},
		DefaultDataSub: 1,
	})
	h.autosw = autoswitch.New(h.device, passValidator{}, &autoFanout{h: h}, autoswitch.Options{
		Stability:            stability,
		MaxValidationRetries: 3,
		PingTestRequired:     true,
	}, 1)

	store := profile.NewMemoryStore(
		&profile.Profile{Name: "internet", APN: "internet.example", CarrierEnabled: true,
			ApnTypes: model.ApnTypeDefault | model.ApnTypeIA},
		&profile.Profile{Name: "mms", APN: "mms.example", CarrierEnabled: true,
			ApnTypes: model.ApnTypeMMS},
	)
	if recoveryOpts == nil {
		recoveryOpts = &recovery.Options{
			Delays: []time.Duration{0, 0, 0, 0},
			Skip:   []bool{false, false, false, false},
		}
	}
	for _, subID := range h.subIDs {
		sub := &subHarness{h: h, subID: subID}
		sub.loop = evloop.New(fmt.Sprintf("sub%d", subID), h.clk)
		sub.rec = recovery.NewEngine(sub.loop, sub, *recoveryOpts)
		sel := profile.NewSelector(store)
		if err := sel.Reload(context.Background()); err != nil {
			t.Fatalf("reload profiles: %v", err)
		}
		sub.ctrl = controller.New(controller.Options{
			SubID:     subID,
			Loop:      sub.loop,
			Svc:       h.sim,
			Selector:  sel,
			Retry:     retry.NewEngine([]string{"capabilities=internet, retry_interval=2000"}, h.clk),
			Pdu:       &pduPool{},
			Internet:  sub,
			Occupancy: sub,
		}, model.NewPriorityTable())
		h.subs[subID] = sub
	}

	h.device.Start()
	for _, subID := range h.subIDs {
		h.subs[subID].loop.Start()
	}
	t.Cleanup(func() {
		for _, subID := range h.subIDs {
			h.subs[subID].loop.Stop()
		}
		h.device.Stop()
	})

	h.sim.OnEvent(h.handleRadioEvent)
	h.device.Post(h.sw.Evaluate)

	for _, subID := range h.subIDs {
		sub := h.subs[subID]
		sub.internet = request.MustNew(
			model.NewCapabilitySet(model.CapabilityInternet),
			request.WithSubID(subID))
		sub.ctrl.AddRequest(sub.internet)
	}
	return h
}

func (h *stackHarness) handleRadioEvent(ev radio.Event) {
	switch e := ev.(type) {
	case radio.DataCallListChanged:
		if sub, ok := h.subs[e.SubID]; ok {
			sub.ctrl.HandleRadioEvent(ev)
		}
	case radio.LinkChanged:
		if sub, ok := h.subs[e.SubID]; ok {
			sub.ctrl.HandleRadioEvent(ev)
		}
	case radio.ServiceStateChanged:
		if sub, ok := h.subs[e.SubID]; ok {
			sub.ctrl.HandleRadioEvent(ev)
			sub.loop.Post(func() { sub.rec.SetSignal(e.State.Signal) })
		}
		h.device.Post(func() { h.autosw.UpdateServiceState(e.SubID, e.State) })
	case radio.SimStateChanged:
		h.device.Post(func() { h.sw.OnSimStateChanged(e.SubID, e.Ready) })
	case radio.CallStateChanged:
		h.device.Post(func() { h.sw.OnCallStateChanged(e.SubID, e.State) })
		if sub, ok := h.subs[e.SubID]; ok {
			sub.loop.Post(func() { sub.rec.SetCallState(e.State) })
		}
	}
}

type pduPool struct{ next int }

func (p *pduPool) Allocate() int { p.next++; return p.next }
func (p *pduPool) Release(int)   {}

// flush drains every loop repeatedly so event chains that hop between
// loops settle.
func (h *stackHarness) flush() {
	for i := 0; i < 4; i++ {
		h.device.Call(func() {})
		for _, subID := range h.subIDs {
			h.subs[subID].loop.Call(func() {})
		}
	}
}

func (h *stackHarness) elapse(d time.Duration) {
	h.clk.Add(d)
	h.flush()
}

func (h *stackHarness) setService(subID int, reg model.RegState) {
	h.sim.EmitServiceState(subID, model.ServiceState{
		Reg:       reg,
		RadioTech: model.NetworkTypeLTE,
		RadioOn:   true,
		Signal:    model.SignalGood,
	})
	h.flush()
}

func (h *stackHarness) bringUp() {
	h.setService(1, model.RegStateHome)
	h.setService(2, model.RegStateHome)
	h.flush()
}

func (h *stackHarness) allowed(subID int) bool {
	var v bool
	h.device.Call(func() { v = h.sw.DataAllowed(subID) })
	return v
}

// ============================================================
// Scenarios
// ============================================================

func TestE2E_DefaultSubCarriesData(t *testing.T) {
	h := newStackHarness(t, nil)
	h.bringUp()

	if !h.allowed(1) || h.allowed(2) {
		t.Fatalf("allowed = sub1:%v sub2:%v, want only the default sub", h.allowed(1), h.allowed(2))
	}
	if got := h.sim.PreferredSlot(); got != 0 {
		t.Errorf("preferred slot = %d, want 0", got)
	}
	if n := h.sim.ActiveCallCount(1); n != 1 {
		t.Errorf("sub1 active calls = %d, want 1 (internet)", n)
	}
	if n := h.sim.ActiveCallCount(2); n != 0 {
		t.Errorf("sub2 active calls = %d, want 0 (data blocked)", n)
	}
}

// Two requests, internet (priority 20) and mms (priority 70), on the
// default subscription: data permission turns on with the first add and
// off only when both are released.
func TestE2E_DataAllowedTracksRequestLifecycle(t *testing.T) {
	h := newStackHarness(t, nil)
	sub := h.subs[1]

	// Start from an empty registry on sub 1.
	sub.ctrl.RemoveRequest(sub.internet)
	h.bringUp()
	if h.allowed(1) {
		t.Fatal("data allowed with no outstanding requests")
	}
	if n := h.sim.ActiveCallCount(1); n != 0 {
		t.Fatalf("sub1 active calls = %d with empty registry, want 0", n)
	}

	mms := request.MustNew(
		model.NewCapabilitySet(model.CapabilityMMS),
		request.WithSubID(1))
	sub.ctrl.AddRequest(mms)
	h.flush()
	if !h.allowed(1) {
		t.Fatal("data not allowed after the mms request was added")
	}
	if n := h.sim.ActiveCallCount(1); n != 1 {
		t.Errorf("sub1 active calls = %d with mms request, want 1", n)
	}

	internet := request.MustNew(
		model.NewCapabilitySet(model.CapabilityInternet),
		request.WithSubID(1))
	sub.ctrl.AddRequest(internet)
	h.flush()

	// Releasing one of the two keeps permission; releasing the last
	// revokes it.
	sub.ctrl.RemoveRequest(mms)
	h.flush()
	if !h.allowed(1) {
		t.Error("data permission dropped while a request was still present")
	}
	sub.ctrl.RemoveRequest(internet)
	h.flush()
	if h.allowed(1) {
		t.Error("data still allowed after both requests were released")
	}
	if n := h.sim.ActiveCallCount(1); n != 0 {
		t.Errorf("sub1 active calls = %d after full release, want 0", n)
	}
}

func TestE2E_AutoSwitchMovesDataAndRevertsBack(t *testing.T) {
	h := newStackHarness(t, nil)
	h.bringUp()

	// Default sub loses service; the backup stays registered.
	h.setService(1, model.RegStateNotRegistered)
	if n := h.sim.ActiveCallCount(1); n != 0 {
		t.Fatalf("sub1 active calls = %d after losing service, want 0", n)
	}

	// The candidate must hold for the stability window, then validation
	// passes and the switch lands on the radio.
	h.elapse(stability)
	if got := h.sim.PreferredSlot(); got != 1 {
		t.Fatalf("preferred slot = %d after auto switch, want 1", got)
	}
	if !h.allowed(2) || h.allowed(1) {
		t.Fatalf("allowed = sub1:%v sub2:%v after auto switch", h.allowed(1), h.allowed(2))
	}
	if n := h.sim.ActiveCallCount(2); n != 1 {
		t.Errorf("sub2 active calls = %d after auto switch, want 1", n)
	}

	// Default recovers: switch reverts, data moves home.
	h.setService(1, model.RegStateHome)
	h.flush()
	if got := h.sim.PreferredSlot(); got != 0 {
		t.Fatalf("preferred slot = %d after revert, want 0", got)
	}
	if n := h.sim.ActiveCallCount(1); n != 1 {
		t.Errorf("sub1 active calls = %d after revert, want 1", n)
	}
	if n := h.sim.ActiveCallCount(2); n != 0 {
		t.Errorf("sub2 active calls = %d after revert, want 0", n)
	}
}

func TestE2E_StallRecoveryReestablishesThroughCleanup(t *testing.T) {
	h := newStackHarness(t, &recovery.Options{
		Delays: []time.Duration{0, 0, 0, 0},
		Skip:   []bool{false, false, false, false},
	})
	h.bringUp()
	sub := h.subs[1]

	// First stall signal: the engine reconciles the call list, which
	// matches, so nothing changes.
	sub.loop.Call(sub.rec.OnValidationFailed)
	h.flush()
	if n := h.sim.ActiveCallCount(1); n != 1 {
		t.Fatalf("active calls = %d after call-list reconcile, want 1", n)
	}

	// Second: escalates to cleanup, which tears down and re-establishes.
	// The fresh connect resets the ladder.
	sub.loop.Call(sub.rec.OnValidationFailed)
	h.flush()
	if n := h.sim.ActiveCallCount(1); n != 1 {
		t.Fatalf("active calls = %d after cleanup cycle, want 1", n)
	}

	// Third stall signal starts a new episode from the first rung.
	sub.loop.Call(sub.rec.OnValidationFailed)
	h.flush()

	want := []recovery.Action{
		recovery.ActionGetDataCallList,
		recovery.ActionCleanup,
		recovery.ActionGetDataCallList,
	}
	got := sub.recordedActions()
	if len(got) != len(want) {
		t.Fatalf("recovery actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("recovery actions = %v, want %v", got, want)
		}
	}
}
