package model

import "fmt"

// FailCause is the numeric cause the radio layer attaches to a failed or
// torn-down data call. Values follow the 3GPP SM cause space where one
// exists; local conditions use the high range.
type FailCause int

const (
	FailCauseNone                  FailCause = 0
	FailCauseOperatorBarred        FailCause = 8
	FailCauseInsufficientResources FailCause = 26
	FailCauseMissingUnknownAPN     FailCause = 27
	FailCauseUnknownPDPType        FailCause = 28
	FailCauseUserAuthentication    FailCause = 29
	FailCauseActivationRejected    FailCause = 31
	FailCauseServiceNotSupported   FailCause = 32
	FailCauseNetworkFailure        FailCause = 38
	FailCauseProtocolErrors        FailCause = 111

	// Local causes, never sent by the network.
	FailCauseRadioPowerOff  FailCause = 65522
	FailCauseUnknown        FailCause = 65536
	FailCauseLostConnection FailCause = 65540
	FailCauseHandoverFailed FailCause = 65541
)

func (c FailCause) String() string {
	switch c {
	case FailCauseNone:
		return "none"
	case FailCauseOperatorBarred:
		return "operator-barred"
	case FailCauseInsufficientResources:
		return "insufficient-resources"
	case FailCauseMissingUnknownAPN:
		return "missing-unknown-apn"
	case FailCauseUnknownPDPType:
		return "unknown-pdp-type"
	case FailCauseUserAuthentication:
		return "user-authentication"
	case FailCauseActivationRejected:
		return "activation-rejected"
	case FailCauseServiceNotSupported:
		return "service-not-supported"
	case FailCauseNetworkFailure:
		return "network-failure"
	case FailCauseProtocolErrors:
		return "protocol-errors"
	case FailCauseRadioPowerOff:
		return "radio-power-off"
	case FailCauseUnknown:
		return "unknown"
	case FailCauseLostConnection:
		return "lost-connection"
	case FailCauseHandoverFailed:
		return "handover-failed"
	default:
		return fmt.Sprintf("cause-%d", int(c))
	}
}
