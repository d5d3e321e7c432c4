// Package datanetwork owns the lifecycle of one attempted or established
// data session: Connecting, Connected, HandoverInProgress, Disconnecting,
// Disconnected. A Network is created and driven exclusively from its
// controller's event loop; radio completions are posted back onto that loop
// with staleness guards so a late callback can never regress state.
package datanetwork

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mdstack-network/mdstack/pkg/evloop"
	"github.com/mdstack-network/mdstack/pkg/model"
	"github.com/mdstack-network/mdstack/pkg/profile"
	"github.com/mdstack-network/mdstack/pkg/radio"
	"github.com/mdstack-network/mdstack/pkg/request"
	"github.com/mdstack-network/mdstack/pkg/util"
)

// StatusSink receives a connection-status snapshot on every state
// transition. Invoked synchronously from the owning loop.
type StatusSink interface {
	OnConnectionStatus(model.ConnectionStatus)
}

// Owner is the controller-side callback surface. Invoked synchronously
// from the owning loop after the status sink.
type Owner interface {
	OnNetworkConnected(n *Network)
	OnSetupFailed(n *Network, cause model.FailCause)
	OnNetworkDisconnected(n *Network, cause model.FailCause)
}

// PduSessions allocates modem PDU session ids, required whenever a setup or
// handover targets the non-cellular transport.
type PduSessions interface {
	Allocate() int
	Release(id int)
}

// Params collects the immutable inputs to a new network attempt.
type Params struct {
	Loop  *evloop.Loop
	Svc   radio.DataService
	Sink  StatusSink
	Owner Owner
	Pdu   PduSessions

	SubID     int
	Transport model.TransportType
	Profile   *profile.Profile
	Group     *request.Group
	RadioTech model.NetworkType
	Roaming   bool
}

// Network is one data session. All methods must run on the owning loop.
type Network struct {
	loop  *evloop.Loop
	svc   radio.DataService
	sink  StatusSink
	owner Owner
	pdu   PduSessions
	log   *logrus.Entry

	token     uuid.UUID
	subID     int
	transport model.TransportType
	prof      *profile.Profile
	group     *request.Group
	caps      model.CapabilitySet
	radioTech model.NetworkType
	roaming   bool

	state        model.NetworkState
	callID       int
	pduSessionID int
	link         model.LinkProperties

	// set when teardown is requested while still Connecting; the setup
	// completion deactivates immediately instead of going Connected
	teardownPending bool
	teardownCause   model.FailCause

	// handover scratch state, valid only in HandoverInProgress
	hoTarget model.TransportType
	hoPduID  int
}

// New creates the network in Connecting, emits the initial status, and
// issues the setup command. Must be called on the owning loop.
func New(p Params) *Network {
	n := &Network{
		loop:      p.Loop,
		svc:       p.Svc,
		sink:      p.Sink,
		owner:     p.Owner,
		pdu:       p.Pdu,
		token:     uuid.New(),
		subID:     p.SubID,
		transport: p.Transport,
		prof:      p.Profile,
		group:     p.Group,
		caps:      p.Group.NetworkCapabilities(),
		radioTech: p.RadioTech,
		roaming:   p.Roaming,
		state:     model.StateConnecting,
		callID:    -1,
	}
	n.log = util.WithSub(p.SubID).WithFields(logrus.Fields{
		"attempt": n.token.String()[:8],
		"profile": p.Profile.Name,
	})

	if n.transport == model.TransportNonCellular && n.pdu != nil {
		n.pduSessionID = n.pdu.Allocate()
	}
	n.log.Infof("connecting %s on %s", n.group.Key(), n.transport)
	n.emitStatus(model.FailCauseNone)

	n.svc.SetupDataCall(n.setupRequest(n.transport, radio.SetupReasonNormal, n.pduSessionID),
		func(res radio.SetupResult) {
			n.loop.Post(func() { n.handleSetupResult(res) })
		})
	return n
}

func (n *Network) setupRequest(t model.TransportType, reason radio.SetupReason, pduID int) radio.SetupRequest {
	access := n.radioTech
	if t == model.TransportNonCellular {
		access = model.NetworkTypeIWLAN
	}
	return radio.SetupRequest{
		SubID:         n.subID,
		AccessNetwork: access,
		Profile:       n.prof,
		Roaming:       n.roaming,
		Reason:        reason,
		PduSessionID:  pduID,
	}
}

func (n *Network) handleSetupResult(res radio.SetupResult) {
	if n.state != model.StateConnecting {
		// superseded; if the call came up anyway, take it back down
		if res.OK() {
			n.svc.DeactivateDataCall(res.CallID, radio.DeactivateReasonNormal, func(error) {})
		}
		return
	}
	if !res.OK() {
		n.log.Infof("setup failed: %s", res.Cause)
		n.releasePdu()
		n.state = model.StateDisconnected
		n.emitStatus(res.Cause)
		n.owner.OnSetupFailed(n, res.Cause)
		return
	}
	if n.teardownPending {
		n.callID = res.CallID
		n.beginDisconnect(n.teardownCause, radio.DeactivateReasonNormal)
		return
	}
	n.callID = res.CallID
	n.link = res.Link
	n.state = model.StateConnected
	n.log.Infof("connected, call %d iface %s", n.callID, n.link.InterfaceName)
	n.emitStatus(model.FailCauseNone)
	n.owner.OnNetworkConnected(n)
}

// Teardown disconnects the network. Safe to call in any state; while still
// Connecting the teardown is deferred until the setup completes.
func (n *Network) Teardown(cause model.FailCause) {
	switch n.state {
	case model.StateConnecting:
		n.teardownPending = true
		n.teardownCause = cause
	case model.StateConnected, model.StateHandoverInProgress:
		n.beginDisconnect(cause, radio.DeactivateReasonNormal)
	}
}

func (n *Network) beginDisconnect(cause model.FailCause, reason radio.DeactivateReason) {
	n.state = model.StateDisconnecting
	n.emitStatus(cause)
	id := n.callID
	n.svc.DeactivateDataCall(id, reason, func(error) {
		n.loop.Post(func() {
			if n.state != model.StateDisconnecting {
				return
			}
			n.finishDisconnect(cause)
		})
	})
}

func (n *Network) finishDisconnect(cause model.FailCause) {
	n.releasePdu()
	n.state = model.StateDisconnected
	n.log.Infof("disconnected: %s", cause)
	n.emitStatus(cause)
	n.owner.OnNetworkDisconnected(n, cause)
}

// NotifyLost handles a radio-reported loss of the underlying call. The loss
// itself confirms the disconnect, so the machine passes through
// Disconnecting to Disconnected without a deactivate command.
func (n *Network) NotifyLost(cause model.FailCause) {
	if n.state != model.StateConnected && n.state != model.StateHandoverInProgress {
		return
	}
	n.state = model.StateDisconnecting
	n.emitStatus(cause)
	n.finishDisconnect(cause)
}

// UpdateLink applies an in-place IP configuration change and re-emits the
// status snapshot.
func (n *Network) UpdateLink(link model.LinkProperties) {
	if n.state != model.StateConnected {
		return
	}
	n.link = link
	n.emitStatus(model.FailCauseNone)
}

// StartHandover moves a Connected network toward the other transport. On
// success the transport and link swap and the old call is released; on
// failure the network returns to Connected on the source transport.
func (n *Network) StartHandover(target model.TransportType) {
	if n.state != model.StateConnected || target == n.transport {
		return
	}
	n.state = model.StateHandoverInProgress
	n.hoTarget = target
	n.hoPduID = 0
	if target == model.TransportNonCellular && n.pdu != nil {
		n.hoPduID = n.pdu.Allocate()
	}
	n.log.Infof("handover to %s", target)
	n.emitStatus(model.FailCauseNone)

	n.svc.SetupDataCall(n.setupRequest(target, radio.SetupReasonHandover, n.hoPduID),
		func(res radio.SetupResult) {
			n.loop.Post(func() { n.handleHandoverResult(res) })
		})
}

func (n *Network) handleHandoverResult(res radio.SetupResult) {
	if n.state != model.StateHandoverInProgress {
		// superseded by a teardown or loss: the target-side PDU session is
		// no longer tracked anywhere else, release it here
		n.releaseHoPdu()
		if res.OK() {
			n.svc.DeactivateDataCall(res.CallID, radio.DeactivateReasonHandover, func(error) {})
		}
		return
	}
	if !res.OK() {
		n.log.Infof("handover failed: %s", res.Cause)
		n.releaseHoPdu()
		n.state = model.StateConnected
		n.emitStatus(model.FailCauseHandoverFailed)
		return
	}

	oldCall := n.callID
	oldPdu := n.pduSessionID
	n.callID = res.CallID
	n.link = res.Link
	n.transport = n.hoTarget
	n.pduSessionID = n.hoPduID
	n.hoPduID = 0
	n.state = model.StateConnected
	n.log.Infof("handover complete, call %d on %s", n.callID, n.transport)
	n.emitStatus(model.FailCauseNone)

	n.svc.DeactivateDataCall(oldCall, radio.DeactivateReasonHandover, func(error) {})
	if oldPdu != 0 && n.pdu != nil {
		n.pdu.Release(oldPdu)
	}
}

func (n *Network) releaseHoPdu() {
	if n.hoPduID != 0 && n.pdu != nil {
		n.pdu.Release(n.hoPduID)
		n.hoPduID = 0
	}
}

func (n *Network) releasePdu() {
	if n.pduSessionID != 0 && n.pdu != nil {
		n.pdu.Release(n.pduSessionID)
		n.pduSessionID = 0
	}
}

func (n *Network) emitStatus(cause model.FailCause) {
	if n.sink == nil {
		return
	}
	n.sink.OnConnectionStatus(model.ConnectionStatus{
		NetworkID:    n.callID,
		SubID:        n.subID,
		State:        n.state,
		Capabilities: n.caps,
		Link:         n.link,
		Transport:    n.transport,
		NetworkType:  n.radioTech,
		Cause:        cause,
	})
}

// SetGroup rebinds the serving request group after a registry change and
// recomputes the advertised capability set.
func (n *Network) SetGroup(g *request.Group) {
	n.group = g
	n.caps = g.NetworkCapabilities()
}

func (n *Network) Token() uuid.UUID                  { return n.token }
func (n *Network) SubID() int                        { return n.subID }
func (n *Network) State() model.NetworkState         { return n.state }
func (n *Network) CallID() int                       { return n.callID }
func (n *Network) Transport() model.TransportType    { return n.transport }
func (n *Network) Profile() *profile.Profile         { return n.prof }
func (n *Network) Group() *request.Group             { return n.group }
func (n *Network) Capabilities() model.CapabilitySet { return n.caps }
func (n *Network) Link() model.LinkProperties        { return n.link }
func (n *Network) PduSessionID() int                 { return n.pduSessionID }
func (n *Network) Terminal() bool                    { return n.state == model.StateDisconnected }
