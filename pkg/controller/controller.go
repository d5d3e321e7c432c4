// Package controller runs one DataNetworkController per subscription: it
// matches request groups to data networks, creates and tears down sessions,
// hands failures to the retry engine, and answers the OS layer's
// apply/don't-apply question per request.
package controller

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdstack-network/mdstack/pkg/datanetwork"
	"github.com/mdstack-network/mdstack/pkg/evloop"
	"github.com/mdstack-network/mdstack/pkg/model"
	"github.com/mdstack-network/mdstack/pkg/monitoring"
	"github.com/mdstack-network/mdstack/pkg/profile"
	"github.com/mdstack-network/mdstack/pkg/radio"
	"github.com/mdstack-network/mdstack/pkg/request"
	"github.com/mdstack-network/mdstack/pkg/retry"
	"github.com/mdstack-network/mdstack/pkg/util"
)

// DisallowReason says why a request group may not produce a data network.
type DisallowReason int

const (
	DisallowNone DisallowReason = iota
	DisallowDataDisabled
	DisallowRoaming
	DisallowNoService
	DisallowNoProfile
	DisallowRadioOff
	DisallowNotPreferredSub
	DisallowPermanentFailure
)

var disallowNames = map[DisallowReason]string{
	DisallowNone:             "allowed",
	DisallowDataDisabled:     "data-disabled",
	DisallowRoaming:          "roaming-disallowed",
	DisallowNoService:        "no-service",
	DisallowNoProfile:        "no-profile",
	DisallowRadioOff:         "radio-off",
	DisallowNotPreferredSub:  "not-preferred-sub",
	DisallowPermanentFailure: "permanent-failure",
}

func (r DisallowReason) String() string {
	if s, ok := disallowNames[r]; ok {
		return s
	}
	return "unknown"
}

// RequestSink receives the per-request apply/don't-apply verdicts the OS
// layer routes traffic by. Invoked synchronously on the controller loop.
type RequestSink interface {
	OnRequestEvaluated(r *request.Request, applied bool)
}

// InternetSink is told when the default-internet network of this
// subscription comes up or goes away, feeding stall recovery.
type InternetSink interface {
	OnInternetUp(subID int, up bool)
}

// OccupancySink is told when this subscription's registry transitions
// between empty and non-empty, feeding the device-wide arbiter's data
// permission. Invoked synchronously on the controller loop.
type OccupancySink interface {
	OnRequestsPresent(subID int, present bool)
}

// Options wires one controller.
type Options struct {
	SubID     int
	Loop      *evloop.Loop
	Svc       radio.DataService
	Selector  *profile.Selector
	Retry     *retry.Engine
	Pdu       datanetwork.PduSessions
	Status    datanetwork.StatusSink
	Requests  RequestSink
	Internet  InternetSink
	Occupancy OccupancySink

	RoamingDataAllowed bool
}

// NetworkSnapshot is a read-only view of one network for diagnostics.
type NetworkSnapshot struct {
	Group     string               `json:"group"`
	State     model.NetworkState   `json:"state"`
	CallID    int                  `json:"call_id"`
	Profile   string               `json:"profile"`
	Transport model.TransportType  `json:"transport"`
	Link      model.LinkProperties `json:"link"`
}

// Controller owns all data networks of one subscription. Public methods
// post onto the controller loop; everything lowercase runs on it.
type Controller struct {
	opts Options
	loop *evloop.Loop
	log  *logrus.Entry

	registry *request.Registry
	networks map[string]*datanetwork.Network

	service     model.ServiceState
	dataEnabled bool
	dataAllowed bool

	retryTasks    map[string]*evloop.Task
	permanentFail map[string]bool

	attachPushed string
}

// New builds the controller. The loop must already be running.
func New(opts Options, table *model.PriorityTable) *Controller {
	c := &Controller{
		opts:          opts,
		loop:          opts.Loop,
		log:           util.WithSub(opts.SubID).WithField("component", "controller"),
		registry:      request.NewRegistry(table),
		networks:      make(map[string]*datanetwork.Network),
		dataEnabled:   true,
		retryTasks:    make(map[string]*evloop.Task),
		permanentFail: make(map[string]bool),
	}
	return c
}

// ============================================================
// Inbound, from the OS network layer
// ============================================================

// AddRequest registers a network request and triggers an evaluation pass.
// Duplicate requests are ignored, matching registry semantics.
func (c *Controller) AddRequest(r *request.Request) {
	c.loop.Post(func() {
		if !c.registry.Add(r) {
			return
		}
		delete(c.permanentFail, c.groupKeyOf(r))
		if c.registry.Len() == 1 && c.opts.Occupancy != nil {
			c.opts.Occupancy.OnRequestsPresent(c.opts.SubID, true)
		}
		c.evaluate("request added")
	})
}

// RemoveRequest releases a network request and triggers an evaluation pass.
func (c *Controller) RemoveRequest(r *request.Request) {
	c.loop.Post(func() {
		if !c.registry.Remove(r) {
			return
		}
		if c.registry.Len() == 0 && c.opts.Occupancy != nil {
			c.opts.Occupancy.OnRequestsPresent(c.opts.SubID, false)
		}
		c.evaluate("request removed")
	})
}

func (c *Controller) groupKeyOf(r *request.Request) string {
	capability := r.ApnTypeCapability(c.registry.PriorityTable())
	if capability == model.CapabilityEnterprise {
		return fmt.Sprintf("%s/%d", capability, r.EnterpriseID())
	}
	return capability.String()
}

// ============================================================
// Inbound, from the device-wide arbiter and settings
// ============================================================

// OnDataAllowedChanged applies the switcher's verdict for this
// subscription.
func (c *Controller) OnDataAllowedChanged(allowed bool) {
	c.loop.Post(func() {
		if c.dataAllowed == allowed {
			return
		}
		c.dataAllowed = allowed
		c.evaluate("data allowed changed")
	})
}

// SetDataEnabled applies the user data toggle.
func (c *Controller) SetDataEnabled(enabled bool) {
	c.loop.Post(func() {
		if c.dataEnabled == enabled {
			return
		}
		c.dataEnabled = enabled
		c.evaluate("data toggle changed")
	})
}

// ============================================================
// Inbound, from the radio layer
// ============================================================

// HandleRadioEvent dispatches one unsolicited radio event for this
// subscription onto the controller loop.
func (c *Controller) HandleRadioEvent(ev radio.Event) {
	c.loop.Post(func() {
		switch e := ev.(type) {
		case radio.ServiceStateChanged:
			c.serviceStateChanged(e.State)
		case radio.DataCallListChanged:
			c.dataCallListChanged(e.Calls)
		case radio.LinkChanged:
			c.linkChanged(e.CallID, e.Link)
		}
	})
}

func (c *Controller) serviceStateChanged(st model.ServiceState) {
	prev := c.service
	c.service = st
	if st.RadioTech != prev.RadioTech || st.Reg != prev.Reg {
		// service profile landscape changed, stale permanent verdicts no
		// longer hold
		c.permanentFail = make(map[string]bool)
		c.pushInitialAttach()
	}
	if st.RadioTech != prev.RadioTech {
		c.handoverToMatchingTransport()
	}
	c.evaluate("service state changed")
}

// handoverToMatchingTransport moves established networks across the
// cellular/non-cellular boundary when the radio tech crosses it, instead of
// tearing them down.
func (c *Controller) handoverToMatchingTransport() {
	target := model.TransportCellular
	if c.service.RadioTech == model.NetworkTypeIWLAN {
		target = model.TransportNonCellular
	}
	for _, n := range c.networks {
		if n.State() == model.StateConnected && n.Transport() != target {
			c.log.Infof("radio tech now %s, handing %s over to %s",
				c.service.RadioTech, n.Group().Capability, target)
			n.StartHandover(target)
		}
	}
}

func (c *Controller) dataCallListChanged(calls []model.DataCallStatus) {
	active := make(map[int]model.DataCallStatus)
	for _, call := range calls {
		if call.Active {
			active[call.ID] = call
		}
	}
	causes := make(map[int]model.FailCause)
	for _, call := range calls {
		if !call.Active {
			causes[call.ID] = call.Cause
		}
	}
	// collect first: NotifyLost re-enters evaluate, which mutates networks
	var lost []*datanetwork.Network
	for _, n := range c.networks {
		if n.State() != model.StateConnected && n.State() != model.StateHandoverInProgress {
			continue
		}
		if _, ok := active[n.CallID()]; !ok {
			lost = append(lost, n)
		}
	}
	for _, n := range lost {
		cause, ok := causes[n.CallID()]
		if !ok {
			cause = model.FailCauseLostConnection
		} else if cause == model.FailCauseNone {
			// the radio reported the call dead without saying why; a
			// causeless loss must still look like a failure to retry logic
			cause = model.FailCauseUnknown
		}
		n.NotifyLost(cause)
	}
}

func (c *Controller) linkChanged(callID int, link model.LinkProperties) {
	for _, n := range c.networks {
		if n.CallID() == callID {
			n.UpdateLink(link)
			return
		}
	}
}

// ============================================================
// Profile reload and initial attach
// ============================================================

// ReloadProfiles refreshes the profile snapshot from the store, re-pushes
// the initial attach APN, and re-evaluates. The store read happens off the
// loop.
func (c *Controller) ReloadProfiles(ctx context.Context) error {
	if err := c.opts.Selector.Reload(ctx); err != nil {
		return fmt.Errorf("reload profiles: %w", err)
	}
	c.loop.Post(func() {
		c.permanentFail = make(map[string]bool)
		c.pushInitialAttach()
		c.evaluate("profiles reloaded")
	})
	return nil
}

// pushInitialAttach hands the modem the attach profile for the current
// radio technology: the least-recently-used enabled profile carrying the
// IA apn type, falling back to the default-internet profile.
func (c *Controller) pushInitialAttach() {
	var pick *profile.Profile
	for _, p := range c.opts.Selector.Profiles() {
		if p.Enabled() && p.ApnTypes.Has(model.ApnTypeIA) && p.NetworkTypes.Allows(c.service.RadioTech) {
			pick = p
			break
		}
	}
	if pick == nil {
		all := c.opts.Selector.SelectAllFor(model.CapabilityInternet, c.service.RadioTech)
		if len(all) > 0 {
			pick = all[0]
		}
	}
	if pick == nil || pick.Name == c.attachPushed {
		return
	}
	c.attachPushed = pick.Name
	c.log.WithField("profile", pick.Name).Debug("pushing initial attach apn")
	c.opts.Svc.SetInitialAttachAPN(c.opts.SubID, pick)
}

// ============================================================
// Evaluation
// ============================================================

// Evaluate schedules an explicit evaluation pass.
func (c *Controller) Evaluate() {
	c.loop.Post(func() { c.evaluate("explicit trigger") })
}

// evaluate is the single reconciliation pass: one run per trigger, strictly
// sequential on the loop.
func (c *Controller) evaluate(reason string) {
	c.log.Debugf("evaluation pass: %s", reason)
	groups := c.registry.GroupedByCapability()
	wanted := make(map[string]*request.Group, len(groups))
	for _, g := range groups {
		wanted[g.Key()] = g
	}

	// tear down networks whose group vanished or became disallowed
	for key, n := range c.networks {
		g, ok := wanted[key]
		if ok {
			if r := c.disallowReason(g); r != DisallowNone {
				c.log.WithField("group", key).Infof("tearing down: %s", r)
				n.Teardown(model.FailCauseNone)
			} else {
				n.SetGroup(g)
			}
			continue
		}
		c.log.WithField("group", key).Info("tearing down: no requests")
		n.Teardown(model.FailCauseNone)
	}
	for key, task := range c.retryTasks {
		g, ok := wanted[key]
		if !ok || c.disallowReason(g) != DisallowNone {
			task.Cancel()
			delete(c.retryTasks, key)
		}
	}

	// bring up networks for unserved groups, priority order
	for _, g := range groups {
		key := g.Key()
		if _, ok := c.networks[key]; ok {
			continue
		}
		if _, ok := c.retryTasks[key]; ok {
			continue
		}
		if r := c.disallowReason(g); r != DisallowNone {
			c.log.WithField("group", key).Debugf("not attempting: %s", r)
			continue
		}
		c.attempt(g)
	}

	c.reportApplied(groups)
}

func (c *Controller) disallowReason(g *request.Group) DisallowReason {
	switch {
	case !c.dataEnabled:
		return DisallowDataDisabled
	case !c.service.RadioOn:
		return DisallowRadioOff
	case !c.service.Reg.Registered():
		return DisallowNoService
	case c.service.Roaming() && !c.opts.RoamingDataAllowed:
		return DisallowRoaming
	case !c.dataAllowed:
		return DisallowNotPreferredSub
	case c.permanentFail[g.Key()]:
		return DisallowPermanentFailure
	case c.selectProfile(g) == nil:
		return DisallowNoProfile
	}
	return DisallowNone
}

func (c *Controller) selectProfile(g *request.Group) *profile.Profile {
	if len(g.Requests) == 0 {
		return nil
	}
	return c.opts.Selector.SelectFor(g.Requests[0], c.registry.PriorityTable(), c.service.RadioTech)
}

func (c *Controller) attempt(g *request.Group) {
	prof := c.selectProfile(g)
	if prof == nil {
		return
	}
	transport := model.TransportCellular
	if c.service.RadioTech == model.NetworkTypeIWLAN {
		transport = model.TransportNonCellular
	}
	c.opts.Selector.MarkSetup(context.Background(), prof.Name, c.loop.Clock().Now())
	n := datanetwork.New(datanetwork.Params{
		Loop:      c.loop,
		Svc:       c.opts.Svc,
		Sink:      c.opts.Status,
		Owner:     c,
		Pdu:       c.opts.Pdu,
		SubID:     c.opts.SubID,
		Transport: transport,
		Profile:   prof,
		Group:     g,
		RadioTech: c.service.RadioTech,
		Roaming:   c.service.Roaming(),
	})
	c.networks[g.Key()] = n
}

// reportApplied replies apply/don't-apply per request: applied when a
// non-terminal network serves the request's group.
func (c *Controller) reportApplied(groups []*request.Group) {
	for _, g := range groups {
		n, ok := c.networks[g.Key()]
		applied := ok && !n.Terminal()
		for _, r := range g.Requests {
			if r.Satisfied() == applied {
				continue
			}
			r.SetSatisfied(applied)
			if c.opts.Requests != nil {
				c.opts.Requests.OnRequestEvaluated(r, applied)
			}
		}
	}
}

// ============================================================
// datanetwork.Owner callbacks (on the loop)
// ============================================================

// OnNetworkConnected resets the group's retry budget and reports internet
// availability.
func (c *Controller) OnNetworkConnected(n *datanetwork.Network) {
	key := n.Group().Key()
	c.opts.Retry.NoteSuccess(key)
	if c.servesInternet(n) && c.opts.Internet != nil {
		c.opts.Internet.OnInternetUp(c.opts.SubID, true)
	}
	c.reportApplied(c.registry.GroupedByCapability())
}

// OnSetupFailed consults the retry engine and either schedules a bounded
// delayed reattempt or marks the group permanently failed.
func (c *Controller) OnSetupFailed(n *datanetwork.Network, cause model.FailCause) {
	key := n.Group().Key()
	delete(c.networks, key)

	dec := c.opts.Retry.NextRetry(key, n.Capabilities(), cause)
	if !dec.Retry {
		c.log.WithField("group", key).Warnf("setup failed permanently: %s", cause)
		c.permanentFail[key] = true
		c.reportApplied(c.registry.GroupedByCapability())
		return
	}
	c.log.WithField("group", key).Infof("setup failed (%s), retry in %s", cause, dec.Delay)
	c.scheduleRetry(key, dec.Delay)
}

func (c *Controller) scheduleRetry(key string, delay time.Duration) {
	monitoring.RetriesScheduled.WithLabelValues(strconv.Itoa(c.opts.SubID)).Inc()
	c.retryTasks[key] = c.loop.PostDelayed(delay, func() {
		delete(c.retryTasks, key)
		c.evaluate("retry timer")
	})
}

// OnNetworkDisconnected drops the bookkeeping entry and re-evaluates: if
// the group still wants data the next pass reattempts, consulting the
// retry engine through the normal path.
func (c *Controller) OnNetworkDisconnected(n *datanetwork.Network, cause model.FailCause) {
	key := n.Group().Key()
	if c.networks[key] == n {
		delete(c.networks, key)
	}
	if c.servesInternet(n) && c.opts.Internet != nil {
		c.opts.Internet.OnInternetUp(c.opts.SubID, false)
	}
	if cause != model.FailCauseNone {
		if dec := c.opts.Retry.NextRetry(key, n.Capabilities(), cause); dec.Retry {
			c.log.WithField("group", key).Infof("lost (%s), retry in %s", cause, dec.Delay)
			c.scheduleRetry(key, dec.Delay)
			c.reportApplied(c.registry.GroupedByCapability())
			return
		}
		c.permanentFail[key] = true
	}
	c.evaluate("network disconnected")
}

func (c *Controller) servesInternet(n *datanetwork.Network) bool {
	return n.Group().Capability == model.CapabilityInternet
}

// ============================================================
// Recovery support and diagnostics
// ============================================================

// Cleanup tears down and re-establishes every network, the stall recovery
// ladder's second rung.
func (c *Controller) Cleanup() {
	c.loop.Post(func() {
		c.log.Warn("recovery cleanup: re-establishing all networks")
		for _, n := range c.networks {
			n.Teardown(model.FailCauseNone)
		}
	})
}

// Snapshot returns a read-only view of the controller's networks, taken on
// the loop.
func (c *Controller) Snapshot() []NetworkSnapshot {
	var out []NetworkSnapshot
	c.loop.Call(func() {
		for key, n := range c.networks {
			out = append(out, NetworkSnapshot{
				Group:     key,
				State:     n.State(),
				CallID:    n.CallID(),
				Profile:   n.Profile().Name,
				Transport: n.Transport(),
				Link:      n.Link(),
			})
		}
	})
	return out
}

// Requests returns a rendering of the registry contents, taken on the
// loop.
func (c *Controller) Requests() []string {
	var out []string
	c.loop.Call(func() {
		for _, r := range c.registry.All() {
			out = append(out, strings.TrimSpace(r.String()))
		}
	})
	return out
}
