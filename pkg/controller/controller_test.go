package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mdstack-network/mdstack/pkg/evloop"
	"github.com/mdstack-network/mdstack/pkg/model"
	"github.com/mdstack-network/mdstack/pkg/profile"
	"github.com/mdstack-network/mdstack/pkg/radio"
	"github.com/mdstack-network/mdstack/pkg/request"
	"github.com/mdstack-network/mdstack/pkg/retry"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses []model.ConnectionStatus
}

func (s *statusRecorder) OnConnectionStatus(st model.ConnectionStatus) {
	s.mu.Lock()
	s.statuses = append(s.statuses, st)
	s.mu.Unlock()
}

func (s *statusRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

type requestRecorder struct {
	mu      sync.Mutex
	applied map[string]bool
}

func (r *requestRecorder) OnRequestEvaluated(req *request.Request, applied bool) {
	r.mu.Lock()
	if r.applied == nil {
		r.applied = make(map[string]bool)
	}
	r.applied[req.Token().String()] = applied
	r.mu.Unlock()
}

func (r *requestRecorder) appliedFor(req *request.Request) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.applied[req.Token().String()]
	return v, ok
}

type internetRecorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *internetRecorder) OnInternetUp(subID int, up bool) {
	r.mu.Lock()
	r.events = append(r.events, up)
	r.mu.Unlock()
}

func (r *internetRecorder) last() (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return false, false
	}
	return r.events[len(r.events)-1], true
}

type occupancyRecorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *occupancyRecorder) OnRequestsPresent(subID int, present bool) {
	r.mu.Lock()
	r.events = append(r.events, present)
	r.mu.Unlock()
}

func (r *occupancyRecorder) all() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.events...)
}

type harness struct {
	loop      *evloop.Loop
	clk       *clock.Mock
	sim       *radio.SimRadio
	status    *statusRecorder
	requests  *requestRecorder
	internet  *internetRecorder
	occupancy *occupancyRecorder
	ctl       *Controller
}

func seedProfiles(t *testing.T) *profile.Selector {
	t.Helper()
	store := profile.NewMemoryStore(
		&profile.Profile{Name: "internet", APN: "internet.example", CarrierEnabled: true,
			ApnTypes: model.ApnTypeDefault | model.ApnTypeIA},
		&profile.Profile{Name: "mms", APN: "mms.example", CarrierEnabled: true,
			ApnTypes: model.ApnTypeMMS},
	)
	sel := profile.NewSelector(store)
	if err := sel.Reload(context.Background()); err != nil {
		t.Fatalf("reload profiles: %v", err)
	}
	return sel
}

func newHarness(t *testing.T, rules []string) *harness {
	t.Helper()
	h := &harness{
		clk:       clock.NewMock(),
		sim:       radio.NewSimRadio(),
		status:    &statusRecorder{},
		requests:  &requestRecorder{},
		internet:  &internetRecorder{},
		occupancy: &occupancyRecorder{},
	}
	h.loop = evloop.New("controller-test", h.clk)
	if rules == nil {
		rules = []string{"capabilities=internet|mms|ims|eims, retry_interval=2000, maximum_retries=3"}
	}
	h.ctl = New(Options{
		SubID:     1,
		Loop:      h.loop,
		Svc:       h.sim,
		Selector:  seedProfiles(t),
		Retry:     retry.NewEngine(rules, h.clk),
		Pdu:       &pduPool{},
		Status:    h.status,
		Requests:  h.requests,
		Internet:  h.internet,
		Occupancy: h.occupancy,
	}, model.NewPriorityTable())
	h.loop.Start()
	t.Cleanup(h.loop.Stop)

	h.ctl.HandleRadioEvent(radio.ServiceStateChanged{SubID: 1, State: model.ServiceState{
		Reg: model.RegStateHome, RadioTech: model.NetworkTypeLTE, RadioOn: true, Signal: model.SignalGood,
	}})
	h.ctl.OnDataAllowedChanged(true)
	h.flush()
	return h
}

type pduPool struct{ next int }

func (p *pduPool) Allocate() int { p.next++; return p.next }
func (p *pduPool) Release(int)   {}

func (h *harness) flush() {
	h.loop.Call(func() {})
	h.loop.Call(func() {})
}

func (h *harness) elapse(d time.Duration) {
	h.clk.Add(d)
	h.flush()
}

func internetRequest() *request.Request {
	return request.MustNew(model.NewCapabilitySet(model.CapabilityInternet), request.WithSubID(1))
}

func mmsRequest() *request.Request {
	return request.MustNew(model.NewCapabilitySet(model.CapabilityMMS), request.WithSubID(1))
}

// ============================================================
// Evaluation passes
// ============================================================

func TestController_InternetAndMmsComeUpIndependently(t *testing.T) {
	h := newHarness(t, nil)

	ir, mr := internetRequest(), mmsRequest()
	h.ctl.AddRequest(ir)
	h.ctl.AddRequest(mr)
	h.flush()

	if n := h.sim.ActiveCallCount(1); n != 2 {
		t.Fatalf("active calls = %d, want 2 (internet + mms)", n)
	}
	if applied, ok := h.requests.appliedFor(ir); !ok || !applied {
		t.Error("internet request not reported applied")
	}
	if applied, ok := h.requests.appliedFor(mr); !ok || !applied {
		t.Error("mms request not reported applied")
	}
	if up, ok := h.internet.last(); !ok || !up {
		t.Error("internet-up not reported")
	}

	// Releasing both tears everything down.
	h.ctl.RemoveRequest(ir)
	h.ctl.RemoveRequest(mr)
	h.flush()
	if n := h.sim.ActiveCallCount(1); n != 0 {
		t.Errorf("active calls = %d after release, want 0", n)
	}
	if up, _ := h.internet.last(); up {
		t.Error("internet still reported up after release")
	}
}

func TestController_ReevaluationIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.ctl.AddRequest(internetRequest())
	h.flush()

	before := h.status.count()
	h.ctl.Evaluate()
	h.ctl.Evaluate()
	h.flush()

	if after := h.status.count(); after != before {
		t.Errorf("re-evaluation produced %d status changes, want 0", after-before)
	}
	if n := h.sim.ActiveCallCount(1); n != 1 {
		t.Errorf("active calls = %d, want 1", n)
	}
}

func TestController_DuplicateRequestIgnored(t *testing.T) {
	h := newHarness(t, nil)
	r := internetRequest()
	h.ctl.AddRequest(r)
	h.ctl.AddRequest(r)
	h.flush()

	if n := h.sim.ActiveCallCount(1); n != 1 {
		t.Errorf("active calls = %d, want 1", n)
	}
}

func TestController_DisallowTearsDownAndReturns(t *testing.T) {
	h := newHarness(t, nil)
	r := internetRequest()
	h.ctl.AddRequest(r)
	h.flush()

	h.ctl.OnDataAllowedChanged(false)
	h.flush()
	if n := h.sim.ActiveCallCount(1); n != 0 {
		t.Fatalf("active calls = %d with data disallowed, want 0", n)
	}
	if applied, _ := h.requests.appliedFor(r); applied {
		t.Error("request still reported applied while disallowed")
	}

	h.ctl.OnDataAllowedChanged(true)
	h.flush()
	if n := h.sim.ActiveCallCount(1); n != 1 {
		t.Errorf("active calls = %d after re-allow, want 1", n)
	}
}

func TestController_LosingRegistrationTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	r := internetRequest()
	h.ctl.AddRequest(r)
	h.flush()
	if n := h.sim.ActiveCallCount(1); n != 1 {
		t.Fatalf("active calls = %d, want 1", n)
	}

	// The radio stays on but registration is gone: no data service.
	h.ctl.HandleRadioEvent(radio.ServiceStateChanged{SubID: 1, State: model.ServiceState{
		Reg: model.RegStateNotRegistered, RadioTech: model.NetworkTypeLTE, RadioOn: true, Signal: model.SignalPoor,
	}})
	h.flush()
	if n := h.sim.ActiveCallCount(1); n != 0 {
		t.Fatalf("active calls = %d without registration, want 0", n)
	}
	if applied, _ := h.requests.appliedFor(r); applied {
		t.Error("request still reported applied without registration")
	}

	// Reregistering brings the network back.
	h.ctl.HandleRadioEvent(radio.ServiceStateChanged{SubID: 1, State: model.ServiceState{
		Reg: model.RegStateHome, RadioTech: model.NetworkTypeLTE, RadioOn: true, Signal: model.SignalGood,
	}})
	h.flush()
	if n := h.sim.ActiveCallCount(1); n != 1 {
		t.Errorf("active calls = %d after reregistration, want 1", n)
	}
}

func TestController_ReportsRegistryOccupancyEdges(t *testing.T) {
	h := newHarness(t, nil)
	ir, mr := internetRequest(), mmsRequest()

	// Only the empty-to-non-empty edge is reported, not every add.
	h.ctl.AddRequest(ir)
	h.ctl.AddRequest(mr)
	h.flush()
	if got := h.occupancy.all(); len(got) != 1 || !got[0] {
		t.Fatalf("occupancy events = %v after two adds, want [true]", got)
	}

	h.ctl.RemoveRequest(mr)
	h.flush()
	if got := h.occupancy.all(); len(got) != 1 {
		t.Fatalf("occupancy events = %v with one request left, want [true]", got)
	}

	h.ctl.RemoveRequest(ir)
	h.flush()
	if got := h.occupancy.all(); len(got) != 2 || got[1] {
		t.Errorf("occupancy events = %v after last release, want [true false]", got)
	}
}

func TestController_UserDataToggle(t *testing.T) {
	h := newHarness(t, nil)
	h.ctl.SetDataEnabled(false)
	h.ctl.AddRequest(internetRequest())
	h.flush()

	if n := h.sim.ActiveCallCount(1); n != 0 {
		t.Errorf("active calls = %d with data off, want 0", n)
	}
}

func TestController_NoProfileMeansNoAttempt(t *testing.T) {
	h := newHarness(t, nil)
	// No profile carries the supl apn type in the fixture set.
	h.ctl.AddRequest(request.MustNew(model.NewCapabilitySet(model.CapabilitySUPL), request.WithSubID(1)))
	h.flush()

	if n := h.sim.ActiveCallCount(1); n != 0 {
		t.Errorf("active calls = %d without matching profile, want 0", n)
	}
}

// ============================================================
// Failures and retry hand-off
// ============================================================

func TestController_RetriesOnDelayedTimer(t *testing.T) {
	h := newHarness(t, []string{"capabilities=internet, retry_interval=2000, maximum_retries=3"})
	h.sim.QueueSetupFailure(model.FailCauseNetworkFailure, 1)
	h.ctl.AddRequest(internetRequest())
	h.flush()

	if n := h.sim.ActiveCallCount(1); n != 0 {
		t.Fatal("call active despite scripted failure")
	}
	// Retry neither immediate nor early.
	h.elapse(time.Second)
	if n := h.sim.ActiveCallCount(1); n != 0 {
		t.Fatal("retried before the rule's interval")
	}
	h.elapse(time.Second)
	if n := h.sim.ActiveCallCount(1); n != 1 {
		t.Errorf("active calls = %d after retry interval, want 1", n)
	}
}

func TestController_PermanentFailureStopsAttempts(t *testing.T) {
	h := newHarness(t, []string{"fail_causes=27, maximum_retries=0"})
	h.sim.QueueSetupFailure(model.FailCauseMissingUnknownAPN, 1)
	r := internetRequest()
	h.ctl.AddRequest(r)
	h.flush()
	h.elapse(time.Minute)

	if n := h.sim.ActiveCallCount(1); n != 0 {
		t.Fatalf("active calls = %d after permanent failure, want 0", n)
	}
	if applied, _ := h.requests.appliedFor(r); applied {
		t.Error("request reported applied after permanent failure")
	}

	// A service change clears the permanent verdict.
	h.ctl.HandleRadioEvent(radio.ServiceStateChanged{SubID: 1, State: model.ServiceState{
		Reg: model.RegStateHome, RadioTech: model.NetworkTypeNR, RadioOn: true, Signal: model.SignalGood,
	}})
	h.flush()
	if n := h.sim.ActiveCallCount(1); n != 1 {
		t.Errorf("active calls = %d after service change, want 1", n)
	}
}

func TestController_LostCallSchedulesRetry(t *testing.T) {
	h := newHarness(t, []string{"capabilities=internet, retry_interval=2000, maximum_retries=3"})
	h.ctl.AddRequest(internetRequest())
	h.flush()

	var callID int
	for _, s := range h.ctl.Snapshot() {
		callID = s.CallID
	}
	h.sim.DropCall(callID, model.FailCauseLostConnection)
	// route the unsolicited event like the daemon does
	h.ctl.HandleRadioEvent(radio.DataCallListChanged{SubID: 1, Calls: []model.DataCallStatus{
		{ID: callID, Active: false, Cause: model.FailCauseLostConnection},
	}})
	h.flush()

	if up, _ := h.internet.last(); up {
		t.Error("internet still reported up after loss")
	}
	h.elapse(2 * time.Second)
	if n := h.sim.ActiveCallCount(1); n != 1 {
		t.Errorf("active calls = %d after reconnect retry, want 1", n)
	}
}

func TestController_LostCallWithoutCauseStillRetries(t *testing.T) {
	h := newHarness(t, []string{"capabilities=internet, retry_interval=2000, maximum_retries=3"})
	h.ctl.AddRequest(internetRequest())
	h.flush()

	var callID int
	for _, s := range h.ctl.Snapshot() {
		callID = s.CallID
	}
	h.sim.DropCall(callID, model.FailCauseNone)
	// the call list says the call is dead but carries no cause
	h.ctl.HandleRadioEvent(radio.DataCallListChanged{SubID: 1, Calls: []model.DataCallStatus{
		{ID: callID, Active: false},
	}})
	h.flush()

	h.elapse(2 * time.Second)
	if n := h.sim.ActiveCallCount(1); n != 1 {
		t.Errorf("active calls = %d after causeless loss, want 1 (retried)", n)
	}
}

func TestController_LinkUpdateReachesNetwork(t *testing.T) {
	h := newHarness(t, nil)
	h.ctl.AddRequest(internetRequest())
	h.flush()

	var callID int
	for _, s := range h.ctl.Snapshot() {
		callID = s.CallID
	}
	h.ctl.HandleRadioEvent(radio.LinkChanged{SubID: 1, CallID: callID,
		Link: model.LinkProperties{InterfaceName: "rmnet1", MTU: 1380}})
	h.flush()

	for _, s := range h.ctl.Snapshot() {
		if s.Link.MTU != 1380 {
			t.Errorf("snapshot link MTU = %d, want 1380", s.Link.MTU)
		}
	}
}

// ============================================================
// Initial attach and recovery hooks
// ============================================================

func TestController_PushesInitialAttachProfile(t *testing.T) {
	h := newHarness(t, nil)
	if got := h.sim.InitialAttachAPN(1); got != "internet" {
		t.Errorf("initial attach profile = %q, want internet (carries ia apn type)", got)
	}
}

func TestController_CleanupReestablishes(t *testing.T) {
	h := newHarness(t, nil)
	h.ctl.AddRequest(internetRequest())
	h.flush()

	h.ctl.Cleanup()
	h.flush()
	// Teardown completes and the follow-up pass reconnects.
	if n := h.sim.ActiveCallCount(1); n != 1 {
		t.Errorf("active calls = %d after cleanup cycle, want 1", n)
	}
}

func TestController_TechChangeHandsOverTransport(t *testing.T) {
	h := newHarness(t, nil)
	h.ctl.AddRequest(internetRequest())
	h.flush()

	snaps := h.ctl.Snapshot()
	if len(snaps) != 1 || snaps[0].Transport != model.TransportCellular {
		t.Fatalf("snapshots = %+v, want one cellular network", snaps)
	}

	h.ctl.HandleRadioEvent(radio.ServiceStateChanged{SubID: 1, State: model.ServiceState{
		Reg: model.RegStateHome, RadioTech: model.NetworkTypeIWLAN, RadioOn: true, Signal: model.SignalGood,
	}})
	h.flush()

	snaps = h.ctl.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %+v, want exactly one network", snaps)
	}
	if snaps[0].State != model.StateConnected {
		t.Errorf("state = %s after handover, want connected", snaps[0].State)
	}
	if snaps[0].Transport != model.TransportNonCellular {
		t.Errorf("transport = %s after handover, want non-cellular", snaps[0].Transport)
	}
	// The cellular call was released, only the handover target remains.
	if n := h.sim.ActiveCallCount(1); n != 1 {
		t.Errorf("active calls = %d after handover, want 1", n)
	}
}
