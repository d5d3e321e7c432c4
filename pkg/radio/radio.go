// Package radio defines the boundary to the radio/data-service layer: the
// commands the orchestration core issues to the modem and the unsolicited
// events the modem delivers back. Implementations invoke completion
// callbacks and event handlers from their own goroutines; consumers must
// post them onto their owning event loop before touching state.
package radio

import (
	"github.com/mdstack-network/mdstack/pkg/model"
	"github.com/mdstack-network/mdstack/pkg/profile"
)

// SetupReason says why a data call is being established.
type SetupReason int

const (
	SetupReasonNormal SetupReason = iota
	SetupReasonHandover
)

// DeactivateReason says why a data call is being torn down.
type DeactivateReason int

const (
	DeactivateReasonNormal DeactivateReason = iota
	DeactivateReasonShutdown
	DeactivateReasonHandover
)

// SetupRequest carries everything the modem needs to dial one data call.
type SetupRequest struct {
	SubID         int
	AccessNetwork model.NetworkType
	Profile       *profile.Profile
	Roaming       bool
	Reason        SetupReason
	// PduSessionID is nonzero only on the non-cellular transport.
	PduSessionID int
}

// SetupResult is the completion of one SetupDataCall.
type SetupResult struct {
	// CallID is the modem-assigned id, valid only when Cause is
	// FailCauseNone.
	CallID int
	Cause  model.FailCause
	Link   model.LinkProperties
}

// OK reports whether the setup succeeded.
func (r SetupResult) OK() bool { return r.Cause == model.FailCauseNone }

// DataService is the per-subscription command surface of the modem.
type DataService interface {
	SetupDataCall(req SetupRequest, done func(SetupResult))
	DeactivateDataCall(id int, reason DeactivateReason, done func(error))
	// SetInitialAttachAPN pushes the profile the modem should use for the
	// initial LTE/NR attach. Fire and forget.
	SetInitialAttachAPN(subID int, p *profile.Profile)
	RequestDataCallList(subID int, done func([]model.DataCallStatus))
}

// Control is the device-wide command surface: modem selection and the
// recovery actions.
type Control interface {
	// SetPreferredDataModem routes data to the given slot. The previous
	// slot stays authoritative until done fires without error.
	SetPreferredDataModem(slot int, done func(error))
	RestartRadio(subID int)
	ResetModem(subID int)
}

// Event is one unsolicited radio notification. Variants are the concrete
// types below; consumers switch exhaustively.
type Event interface{ isRadioEvent() }

// DataCallListChanged reports the current set of active data calls for one
// subscription, including calls the network dropped.
type DataCallListChanged struct {
	SubID int
	Calls []model.DataCallStatus
}

// ServiceStateChanged reports a registration/signal/radio-tech change.
type ServiceStateChanged struct {
	SubID int
	State model.ServiceState
}

// SimStateChanged reports SIM application readiness for a slot.
type SimStateChanged struct {
	Slot  int
	SubID int
	Ready bool
}

// CallStateChanged reports the voice call state of a subscription.
type CallStateChanged struct {
	SubID int
	State model.CallState
}

// LinkChanged reports an in-place IP configuration change for an active
// data call.
type LinkChanged struct {
	SubID  int
	CallID int
	Link   model.LinkProperties
}

func (DataCallListChanged) isRadioEvent() {}
func (ServiceStateChanged) isRadioEvent() {}
func (SimStateChanged) isRadioEvent()     {}
func (CallStateChanged) isRadioEvent()    {}
func (LinkChanged) isRadioEvent()         {}

// Handler receives unsolicited events.
type Handler func(Event)
