package radio

import (
	"fmt"
	"sync"

	"github.com/mdstack-network/mdstack/pkg/model"
	"github.com/mdstack-network/mdstack/pkg/profile"
	"github.com/mdstack-network/mdstack/pkg/util"
)

// SimRadio is an in-process simulated modem implementing DataService and
// Control. It completes commands synchronously on the caller's goroutine,
// assigns call ids and link properties, and lets tests and the daemon's
// standalone mode script failures per command.
type SimRadio struct {
	mu sync.Mutex

	nextCallID int
	nextSubnet int
	calls      map[int]*simCall

	setupFailures  []model.FailCause
	preferredErrs  []error
	preferredSlot  int
	radioRestarts  int
	modemResets    int
	attachProfiles map[int]string

	handler Handler
}

var (
	_ DataService = (*SimRadio)(nil)
	_ Control     = (*SimRadio)(nil)
)

type simCall struct {
	subID int
	link  model.LinkProperties
}

// NewSimRadio returns a simulated modem with no calls and slot 0 preferred.
func NewSimRadio() *SimRadio {
	return &SimRadio{
		nextCallID:     1,
		calls:          make(map[int]*simCall),
		attachProfiles: make(map[int]string),
	}
}

// OnEvent registers the unsolicited event handler. Only one handler is
// supported; the daemon fans events out itself.
func (s *SimRadio) OnEvent(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// QueueSetupFailure makes the next n SetupDataCall commands fail with
// cause. Queued failures are consumed in order before successes resume.
func (s *SimRadio) QueueSetupFailure(cause model.FailCause, n int) {
	s.mu.Lock()
	for i := 0; i < n; i++ {
		s.setupFailures = append(s.setupFailures, cause)
	}
	s.mu.Unlock()
}

// QueuePreferredModemError makes the next SetPreferredDataModem fail with
// err.
func (s *SimRadio) QueuePreferredModemError(err error) {
	s.mu.Lock()
	s.preferredErrs = append(s.preferredErrs, err)
	s.mu.Unlock()
}

func (s *SimRadio) SetupDataCall(req SetupRequest, done func(SetupResult)) {
	s.mu.Lock()
	if len(s.setupFailures) > 0 {
		cause := s.setupFailures[0]
		s.setupFailures = s.setupFailures[1:]
		s.mu.Unlock()
		util.WithSub(req.SubID).Debugf("sim: setup %s failed, cause %s", req.Profile.Name, cause)
		done(SetupResult{Cause: cause})
		return
	}

	id := s.nextCallID
	s.nextCallID++
	s.nextSubnet++
	link := model.LinkProperties{
		InterfaceName: fmt.Sprintf("rmnet%d", id),
		Addresses:     []string{fmt.Sprintf("10.64.%d.2/24", s.nextSubnet)},
		DNSServers:    []string{"8.8.8.8", "8.8.4.4"},
		Gateway:       fmt.Sprintf("10.64.%d.1", s.nextSubnet),
		MTU:           1500,
	}
	s.calls[id] = &simCall{subID: req.SubID, link: link}
	s.mu.Unlock()

	util.WithSub(req.SubID).Debugf("sim: setup %s ok, call %d", req.Profile.Name, id)
	done(SetupResult{CallID: id, Link: link})
}

func (s *SimRadio) DeactivateDataCall(id int, reason DeactivateReason, done func(error)) {
	s.mu.Lock()
	_, ok := s.calls[id]
	delete(s.calls, id)
	s.mu.Unlock()

	if !ok {
		done(fmt.Errorf("deactivate call %d: %w", id, util.ErrNotFound))
		return
	}
	done(nil)
}

func (s *SimRadio) SetInitialAttachAPN(subID int, p *profile.Profile) {
	s.mu.Lock()
	s.attachProfiles[subID] = p.Name
	s.mu.Unlock()
}

func (s *SimRadio) RequestDataCallList(subID int, done func([]model.DataCallStatus)) {
	done(s.callList(subID))
}

func (s *SimRadio) SetPreferredDataModem(slot int, done func(error)) {
	s.mu.Lock()
	if len(s.preferredErrs) > 0 {
		err := s.preferredErrs[0]
		s.preferredErrs = s.preferredErrs[1:]
		s.mu.Unlock()
		done(err)
		return
	}
	s.preferredSlot = slot
	s.mu.Unlock()
	done(nil)
}

// RestartRadio drops all calls for the subscription and reports the new
// (empty) call list, as a real radio power cycle does.
func (s *SimRadio) RestartRadio(subID int) {
	s.mu.Lock()
	s.radioRestarts++
	for id, c := range s.calls {
		if c.subID == subID {
			delete(s.calls, id)
		}
	}
	s.mu.Unlock()
	s.emit(DataCallListChanged{SubID: subID, Calls: nil})
}

// ResetModem drops every call on the device.
func (s *SimRadio) ResetModem(subID int) {
	s.mu.Lock()
	s.modemResets++
	subs := make(map[int]bool)
	for id, c := range s.calls {
		subs[c.subID] = true
		delete(s.calls, id)
	}
	s.mu.Unlock()
	for sub := range subs {
		s.emit(DataCallListChanged{SubID: sub, Calls: nil})
	}
}

// DropCall simulates a network-initiated teardown of one call.
func (s *SimRadio) DropCall(id int, cause model.FailCause) {
	s.mu.Lock()
	c, ok := s.calls[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.calls, id)
	subID := c.subID
	s.mu.Unlock()

	list := s.callList(subID)
	list = append(list, model.DataCallStatus{ID: id, Active: false, Cause: cause})
	s.emit(DataCallListChanged{SubID: subID, Calls: list})
}

// UpdateLink simulates an in-place IP configuration change on one call.
func (s *SimRadio) UpdateLink(id int, link model.LinkProperties) {
	s.mu.Lock()
	c, ok := s.calls[id]
	var subID int
	if ok {
		c.link = link
		subID = c.subID
	}
	s.mu.Unlock()
	if ok {
		s.emit(LinkChanged{SubID: subID, CallID: id, Link: link})
	}
}

// EmitServiceState delivers a service-state change event.
func (s *SimRadio) EmitServiceState(subID int, st model.ServiceState) {
	s.emit(ServiceStateChanged{SubID: subID, State: st})
}

// EmitSimState delivers a SIM readiness event.
func (s *SimRadio) EmitSimState(slot, subID int, ready bool) {
	s.emit(SimStateChanged{Slot: slot, SubID: subID, Ready: ready})
}

// EmitCallState delivers a voice call state event.
func (s *SimRadio) EmitCallState(subID int, st model.CallState) {
	s.emit(CallStateChanged{SubID: subID, State: st})
}

// PreferredSlot returns the slot last accepted by SetPreferredDataModem.
func (s *SimRadio) PreferredSlot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preferredSlot
}

// InitialAttachAPN returns the profile name last pushed for the
// subscription, "" if none.
func (s *SimRadio) InitialAttachAPN(subID int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachProfiles[subID]
}

// RadioRestarts returns how many RestartRadio commands were issued.
func (s *SimRadio) RadioRestarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.radioRestarts
}

// ModemResets returns how many ResetModem commands were issued.
func (s *SimRadio) ModemResets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modemResets
}

// ActiveCallCount returns the number of live calls for the subscription.
func (s *SimRadio) ActiveCallCount(subID int) int {
	return len(s.callList(subID))
}

func (s *SimRadio) callList(subID int) []model.DataCallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DataCallStatus
	for id, c := range s.calls {
		if c.subID == subID {
			out = append(out, model.DataCallStatus{ID: id, Active: true, Link: c.link})
		}
	}
	return out
}

func (s *SimRadio) emit(ev Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}
