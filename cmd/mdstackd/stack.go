package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mdstack-network/mdstack/pkg/autoswitch"
	"github.com/mdstack-network/mdstack/pkg/config"
	"github.com/mdstack-network/mdstack/pkg/controller"
	"github.com/mdstack-network/mdstack/pkg/diag"
	"github.com/mdstack-network/mdstack/pkg/evloop"
	"github.com/mdstack-network/mdstack/pkg/model"
	"github.com/mdstack-network/mdstack/pkg/monitoring"
	"github.com/mdstack-network/mdstack/pkg/profile"
	"github.com/mdstack-network/mdstack/pkg/radio"
	"github.com/mdstack-network/mdstack/pkg/recovery"
	"github.com/mdstack-network/mdstack/pkg/request"
	"github.com/mdstack-network/mdstack/pkg/retry"
	"github.com/mdstack-network/mdstack/pkg/switcher"
	"github.com/mdstack-network/mdstack/pkg/util"
	"github.com/mdstack-network/mdstack/pkg/version"
)

const (
	probeDelay       = 500 * time.Millisecond
	watchdogInterval = 30 * time.Second
	maxPduSessions   = 15
)

// stack wires the full orchestration core around the simulated radio: one
// event loop and controller per subscription, plus the device-wide arbiter,
// the auto-switch controller, and the diagnostics server.
type stack struct {
	cfg   *config.Config
	sim   *radio.SimRadio
	store profile.Store

	device *evloop.Loop
	sw     *switcher.Switcher
	autosw *autoswitch.Controller

	subs map[int]*subStack
	diag *diag.Server
}

// subStack is the per-subscription half: controller, recovery engine, and
// profile selector sharing one loop.
type subStack struct {
	subID int
	loop  *evloop.Loop
	ctrl  *controller.Controller
	rec   *recovery.Engine
	sel   *profile.Selector

	// tracked on the sub loop, fed by the controller's internet callback
	internetUp bool
}

func newStack(cfg *config.Config) (*stack, error) {
	if len(cfg.Slots) == 0 {
		return nil, fmt.Errorf("no slots configured")
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	clk := clock.New()
	s := &stack{
		cfg:    cfg,
		sim:    radio.NewSimRadio(),
		store:  store,
		device: evloop.New("device", clk),
		subs:   make(map[int]*subStack),
	}

	val := &probeValidator{loop: s.device}

	slots := make([]switcher.Slot, 0, len(cfg.Slots))
	for _, sc := range cfg.Slots {
		slots = append(slots, switcher.Slot{Slot: sc.Slot, SubID: sc.SubID})
	}
	s.sw = switcher.New(s.device, s.sim, val, &allowedSink{s: s}, switcher.Options{
		Slots:                  slots,
		DefaultDataSub:         cfg.DefaultDataSub,
		DataDuringCall:         cfg.Switch.DataDuringCall,
		EmergencyGrace:         ms(cfg.Switch.EmergencyGraceMs),
		EmergencyTimeout:       ms(cfg.Switch.EmergencyTimeoutMs),
		ModemRetry:             ms(cfg.Switch.ModemRetryMs),
		Precedence:             cfg.Switch.Precedence,
		OpportunisticSupported: len(cfg.Slots) > 1,
	})

	// auto switching needs somewhere to switch to
	if len(cfg.Slots) > 1 {
		s.autosw = autoswitch.New(s.device, val, &autoSink{s: s}, autoswitch.Options{
			Stability:            ms(cfg.Carrier.AutoSwitch.StabilityMs),
			MaxValidationRetries: cfg.Carrier.AutoSwitch.MaxValidationRetries,
			PingTestRequired:     cfg.Carrier.AutoSwitch.PingTestRequired,
		}, cfg.DefaultDataSub)
	}

	pdus := newPduPool()
	ladderSteps := int(recovery.ActionModemReset) + 1
	for _, sc := range cfg.Slots {
		sub := &subStack{
			subID: sc.SubID,
			loop:  evloop.New(fmt.Sprintf("sub%d", sc.SubID), clk),
			sel:   profile.NewSelector(store),
		}
		sub.rec = recovery.NewEngine(sub.loop, &recoverySink{s: s, sub: sub}, recovery.Options{
			Delays:       cfg.Carrier.RecoveryDelays(ladderSteps),
			Skip:         cfg.Carrier.RecoverySkipFlags(ladderSteps),
			SignalFloor:  model.SignalLevel(cfg.Carrier.RecoverySignalFloor),
			OffhookRetry: ms(cfg.Carrier.OffhookRetryMs),
		})
		sub.ctrl = controller.New(controller.Options{
			SubID:              sc.SubID,
			Loop:               sub.loop,
			Svc:                s.sim,
			Selector:           sub.sel,
			Retry:              retry.NewEngine(cfg.Carrier.RetryRules, clk),
			Pdu:                pdus,
			Status:             &statusSink{connected: make(map[int]bool)},
			Requests:           requestLog{},
			Internet:           sub,
			Occupancy:          &occupancySink{s: s},
			RoamingDataAllowed: cfg.Carrier.RoamingDataAllowed,
		}, model.NewPriorityTableFromConfig(cfg.Carrier.CapabilityPriorities))
		s.subs[sc.SubID] = sub
	}

	if cfg.Diag.Enabled {
		s.diag = diag.New(cfg.Diag.Addr, diag.Sources{
			Status:   s.statusSnapshot,
			Networks: s.networksSnapshot,
			Slots:    s.slotsSnapshot,
			Requests: s.requestsSnapshot,
		})
	}
	return s, nil
}

// Start brings the loops up, files the always-on requests the OS
// connectivity layer would place, and puts the simulated radios in service.
func (s *stack) Start(ctx context.Context) error {
	s.device.Start()
	for _, sub := range s.subs {
		sub.loop.Start()
		if err := sub.sel.Reload(ctx); err != nil {
			return fmt.Errorf("loading profiles for sub %d: %w", sub.subID, err)
		}
	}
	s.sim.OnEvent(s.handleRadioEvent)
	s.device.Post(s.sw.Evaluate)

	for _, sub := range s.subs {
		sub.ctrl.AddRequest(request.MustNew(
			model.NewCapabilitySet(model.CapabilityInternet),
			request.WithSubID(sub.subID)))
		sub.ctrl.AddRequest(request.MustNew(
			model.NewCapabilitySet(model.CapabilityIMS),
			request.WithSubID(sub.subID)))
		sub.watchdog(s.sim)
	}

	for _, sc := range s.cfg.Slots {
		s.sim.EmitSimState(sc.Slot, sc.SubID, true)
		s.sim.EmitServiceState(sc.SubID, model.ServiceState{
			Reg:       model.RegStateHome,
			RadioTech: model.NetworkTypeLTE,
			RadioOn:   true,
			Signal:    model.SignalGood,
		})
	}

	if s.diag != nil {
		s.diag.Start()
	}
	util.Infof("stack started: %d slot(s), default data sub %d",
		len(s.cfg.Slots), s.cfg.DefaultDataSub)
	return nil
}

func (s *stack) Stop() {
	if s.diag != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.diag.Shutdown(ctx); err != nil {
			util.Warnf("diag shutdown: %v", err)
		}
		cancel()
	}
	for _, sub := range s.subs {
		sub.loop.Stop()
	}
	s.device.Stop()
	if err := s.store.Close(); err != nil {
		util.Warnf("closing profile store: %v", err)
	}
}

// handleRadioEvent fans unsolicited radio events out to the owning loops.
// Invoked synchronously by the radio layer on an arbitrary goroutine, so
// everything here posts.
func (s *stack) handleRadioEvent(ev radio.Event) {
	switch e := ev.(type) {
	case radio.DataCallListChanged:
		if sub, ok := s.subs[e.SubID]; ok {
			sub.ctrl.HandleRadioEvent(ev)
		}
	case radio.LinkChanged:
		if sub, ok := s.subs[e.SubID]; ok {
			sub.ctrl.HandleRadioEvent(ev)
		}
	case radio.ServiceStateChanged:
		if sub, ok := s.subs[e.SubID]; ok {
			sub.ctrl.HandleRadioEvent(ev)
			sub.loop.Post(func() { sub.rec.SetSignal(e.State.Signal) })
		}
		s.device.Post(func() {
			if s.autosw != nil {
				s.autosw.UpdateServiceState(e.SubID, e.State)
			}
		})
	case radio.SimStateChanged:
		s.device.Post(func() { s.sw.OnSimStateChanged(e.SubID, e.Ready) })
	case radio.CallStateChanged:
		s.device.Post(func() { s.sw.OnCallStateChanged(e.SubID, e.State) })
		if sub, ok := s.subs[e.SubID]; ok {
			sub.loop.Post(func() { sub.rec.SetCallState(e.State) })
		}
	}
}

// OnInternetUp implements controller.InternetSink, feeding the stall
// recovery engine. Invoked on the sub loop.
func (sub *subStack) OnInternetUp(subID int, up bool) {
	sub.internetUp = up
	sub.rec.SetNetworkUp(up)
}

// watchdog periodically compares the controller's view of the internet
// network against the modem's call list and feeds the recovery engine. A
// network the controller believes is up with no active call behind it is a
// stall.
func (sub *subStack) watchdog(sim *radio.SimRadio) {
	sub.loop.PostDelayed(watchdogInterval, func() {
		if sub.internetUp {
			if sim.ActiveCallCount(sub.subID) == 0 {
				sub.rec.OnValidationFailed()
			} else {
				sub.rec.OnValidationPassed()
			}
		}
		sub.watchdog(sim)
	})
}

func openStore(cfg *config.Config) (profile.Store, error) {
	if cfg.ProfileStore.Backend == "redis" {
		return profile.NewRedisStore(cfg.ProfileStore.RedisAddr, cfg.ProfileStore.RedisDB)
	}
	profiles := make([]*profile.Profile, 0, len(cfg.Profiles))
	for _, seed := range cfg.Profiles {
		profiles = append(profiles, profile.NewFromSeed(seed))
	}
	if len(profiles) == 0 {
		profiles = defaultProfiles()
	}
	return profile.NewMemoryStore(profiles...), nil
}

// defaultProfiles lets an unconfigured stack connect out of the box.
func defaultProfiles() []*profile.Profile {
	return []*profile.Profile{
		profile.NewFromSeed(config.ProfileSeed{Name: "internet", APN: "internet", ApnTypes: "default,ia"}),
		profile.NewFromSeed(config.ProfileSeed{Name: "ims", APN: "ims", ApnTypes: "ims"}),
		profile.NewFromSeed(config.ProfileSeed{Name: "mms", APN: "mms", ApnTypes: "mms"}),
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// ============================================================
// Component glue
// ============================================================

// pduPool allocates modem PDU session ids. Shared between subscriptions
// and called from multiple loops, so it locks.
type pduPool struct {
	mu   sync.Mutex
	used map[int]bool
}

func newPduPool() *pduPool { return &pduPool{used: make(map[int]bool)} }

func (p *pduPool) Allocate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := 1; id <= maxPduSessions; id++ {
		if !p.used[id] {
			p.used[id] = true
			return id
		}
	}
	return 0
}

func (p *pduPool) Release(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, id)
}

// probeValidator stands in for the connectivity checker. The simulated
// radio has no real network path to probe, so validation reports success
// after the nominal probe latency.
type probeValidator struct {
	loop *evloop.Loop
}

func (v *probeValidator) Validate(subID int, done func(bool)) {
	v.loop.PostDelayed(probeDelay, func() { done(true) })
}

// statusSink feeds connection status transitions into metrics. One per
// subscription, invoked on that sub's loop.
type statusSink struct {
	connected map[int]bool
	hoFrom    int
}

func (ss *statusSink) OnConnectionStatus(st model.ConnectionStatus) {
	sub := strconv.Itoa(st.SubID)
	switch st.State {
	case model.StateConnecting:
		monitoring.SetupAttempts.WithLabelValues(sub).Inc()
	case model.StateHandoverInProgress:
		ss.hoFrom = st.NetworkID
	case model.StateConnected:
		if ss.hoFrom != 0 && ss.hoFrom != st.NetworkID {
			// same network, new call id after handover
			delete(ss.connected, ss.hoFrom)
			ss.connected[st.NetworkID] = true
			ss.hoFrom = 0
			return
		}
		ss.hoFrom = 0
		if !ss.connected[st.NetworkID] {
			ss.connected[st.NetworkID] = true
			monitoring.ActiveNetworks.WithLabelValues(sub).Inc()
		}
	case model.StateDisconnected:
		if ss.connected[st.NetworkID] {
			delete(ss.connected, st.NetworkID)
			monitoring.ActiveNetworks.WithLabelValues(sub).Dec()
		}
		if st.Cause != model.FailCauseNone {
			monitoring.SetupFailures.WithLabelValues(sub, st.Cause.String()).Inc()
		}
	}
}

// requestLog reports per-request verdicts. The OS connectivity layer that
// would consume these is absent, so they only land in the log.
type requestLog struct{}

func (requestLog) OnRequestEvaluated(r *request.Request, applied bool) {
	util.WithSub(r.SubID()).Debugf("request %s applied=%v", r, applied)
}

// recoverySink executes ladder actions against the radio and controller.
// Invoked on the sub loop.
type recoverySink struct {
	s   *stack
	sub *subStack
}

func (r *recoverySink) PerformRecovery(a recovery.Action) {
	monitoring.RecoveryActions.WithLabelValues(a.String()).Inc()
	switch a {
	case recovery.ActionGetDataCallList:
		r.s.sim.RequestDataCallList(r.sub.subID, func(calls []model.DataCallStatus) {
			r.sub.ctrl.HandleRadioEvent(radio.DataCallListChanged{SubID: r.sub.subID, Calls: calls})
		})
	case recovery.ActionCleanup:
		r.sub.ctrl.Cleanup()
	case recovery.ActionRadioRestart:
		r.s.sim.RestartRadio(r.sub.subID)
	case recovery.ActionModemReset:
		r.s.sim.ResetModem(r.sub.subID)
	}
}

// occupancySink feeds registry occupancy into the arbiter, which grants
// data only to subscriptions with something to serve. Invoked on the sub
// loop, so it posts.
type occupancySink struct {
	s *stack
}

func (o *occupancySink) OnRequestsPresent(subID int, present bool) {
	o.s.device.Post(func() { o.s.sw.SetRequestsPresent(subID, present) })
}

// allowedSink fans the arbiter's per-subscription verdicts out to the sub
// stacks. Invoked on the device loop.
type allowedSink struct {
	s *stack
}

func (a *allowedSink) OnDataAllowedChanged(subID int, allowed bool) {
	if sub, ok := a.s.subs[subID]; ok {
		sub.ctrl.OnDataAllowedChanged(allowed)
		sub.loop.Post(func() { sub.rec.SetDataAllowed(allowed) })
	}
	if allowed {
		monitoring.PreferredSlot.Set(float64(a.s.cfg.SlotForSub(subID)))
	}
}

// autoSink routes auto-switch directives into the arbiter. Both run on the
// device loop, so the calls are direct.
type autoSink struct {
	s *stack
}

func (a *autoSink) OnAutoSwitch(targetSub int) {
	monitoring.AutoSwitches.Inc()
	a.s.sw.OnAutoSwitch(targetSub)
}

func (a *autoSink) OnAutoSwitchRevert() {
	a.s.sw.OnAutoSwitchRevert()
}

func (a *autoSink) ShowAutoSwitchNotification(show bool) {
	if show {
		util.Info("auto data switch engaged, showing notification")
	} else {
		util.Info("auto data switch notification dismissed")
	}
}

// ============================================================
// Diagnostics snapshots
// ============================================================

type stackStatus struct {
	Version          string `json:"version"`
	DefaultDataSub   int    `json:"default_data_sub"`
	AuthoritativeSub int    `json:"authoritative_sub"`
	Source           string `json:"source"`
	AutoSwitched     bool   `json:"auto_switched"`
}

type slotStatus struct {
	Slot    int  `json:"slot"`
	SubID   int  `json:"sub_id"`
	Allowed bool `json:"allowed"`
}

type subNetworks struct {
	SubID    int                          `json:"sub_id"`
	Networks []controller.NetworkSnapshot `json:"networks"`
}

type subRequests struct {
	SubID    int      `json:"sub_id"`
	Requests []string `json:"requests"`
}

func (s *stack) statusSnapshot() any {
	st := stackStatus{Version: version.Info(), DefaultDataSub: s.cfg.DefaultDataSub}
	s.device.Call(func() {
		sub, src := s.sw.AuthoritativeSub()
		st.AuthoritativeSub = sub
		st.Source = string(src)
		if s.autosw != nil {
			st.AutoSwitched = s.autosw.Switched()
		}
	})
	return st
}

func (s *stack) slotsSnapshot() any {
	out := make([]slotStatus, 0, len(s.cfg.Slots))
	s.device.Call(func() {
		for _, sc := range s.cfg.Slots {
			out = append(out, slotStatus{
				Slot:    sc.Slot,
				SubID:   sc.SubID,
				Allowed: s.sw.DataAllowed(sc.SubID),
			})
		}
	})
	return out
}

func (s *stack) networksSnapshot() any {
	out := make([]subNetworks, 0, len(s.cfg.Slots))
	for _, sc := range s.cfg.Slots {
		out = append(out, subNetworks{SubID: sc.SubID, Networks: s.subs[sc.SubID].ctrl.Snapshot()})
	}
	return out
}

func (s *stack) requestsSnapshot() any {
	out := make([]subRequests, 0, len(s.cfg.Slots))
	for _, sc := range s.cfg.Slots {
		out = append(out, subRequests{SubID: sc.SubID, Requests: s.subs[sc.SubID].ctrl.Requests()})
	}
	return out
}
