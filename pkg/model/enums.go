package model

import "strings"

// NetworkType is a radio access technology.
type NetworkType int

const (
	NetworkTypeUnknown NetworkType = iota
	NetworkTypeGSM
	NetworkTypeUMTS
	NetworkTypeLTE
	NetworkTypeNR
	NetworkTypeIWLAN
)

var networkTypeNames = map[NetworkType]string{
	NetworkTypeUnknown: "unknown",
	NetworkTypeGSM:     "gsm",
	NetworkTypeUMTS:    "umts",
	NetworkTypeLTE:     "lte",
	NetworkTypeNR:      "nr",
	NetworkTypeIWLAN:   "iwlan",
}

func (n NetworkType) String() string {
	if s, ok := networkTypeNames[n]; ok {
		return s
	}
	return "unknown"
}

// NetworkTypeBitmask restricts a profile to a set of radio technologies.
// Zero means unrestricted.
type NetworkTypeBitmask uint32

// With returns the bitmask with n added.
func (b NetworkTypeBitmask) With(n NetworkType) NetworkTypeBitmask {
	return b | (1 << uint(n))
}

// Allows reports whether the bitmask permits radio technology n. The empty
// bitmask allows everything.
func (b NetworkTypeBitmask) Allows(n NetworkType) bool {
	if b == 0 {
		return true
	}
	return b&(1<<uint(n)) != 0
}

// String renders "lte|nr" style, empty for the unrestricted mask.
func (b NetworkTypeBitmask) String() string {
	var names []string
	for n := NetworkTypeGSM; n <= NetworkTypeIWLAN; n++ {
		if b&(1<<uint(n)) != 0 {
			names = append(names, networkTypeNames[n])
		}
	}
	return strings.Join(names, "|")
}

// ParseNetworkTypeBitmask parses "lte|nr" style strings.
func ParseNetworkTypeBitmask(s string) NetworkTypeBitmask {
	var b NetworkTypeBitmask
	for _, part := range strings.Split(s, "|") {
		part = strings.ToLower(strings.TrimSpace(part))
		for n, name := range networkTypeNames {
			if name == part && n != NetworkTypeUnknown {
				b = b.With(n)
			}
		}
	}
	return b
}

// TransportType says which physical path carries a data network.
type TransportType int

const (
	TransportCellular TransportType = iota
	TransportNonCellular
)

func (t TransportType) String() string {
	if t == TransportNonCellular {
		return "non-cellular"
	}
	return "cellular"
}

// NetworkState is the lifecycle state of one data network.
type NetworkState int

const (
	StateConnecting NetworkState = iota
	StateConnected
	StateHandoverInProgress
	StateDisconnecting
	StateDisconnected
)

var networkStateNames = map[NetworkState]string{
	StateConnecting:         "connecting",
	StateConnected:          "connected",
	StateHandoverInProgress: "handover",
	StateDisconnecting:      "disconnecting",
	StateDisconnected:       "disconnected",
}

func (s NetworkState) String() string {
	if n, ok := networkStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// SignalLevel is the coarse signal bucket reported by the radio layer.
type SignalLevel int

const (
	SignalNone SignalLevel = iota
	SignalPoor
	SignalModerate
	SignalGood
	SignalGreat
)

// CallState is the voice call state of a subscription, consumed as an opaque
// external signal (voice tracking itself is out of scope).
type CallState int

const (
	CallStateIdle CallState = iota
	CallStateRinging
	CallStateOffhook
)

// RegState is the data registration state of a subscription.
type RegState int

const (
	RegStateNotRegistered RegState = iota
	RegStateHome
	RegStateRoaming
	RegStateEmergencyOnly
)

func (r RegState) String() string {
	switch r {
	case RegStateHome:
		return "home"
	case RegStateRoaming:
		return "roaming"
	case RegStateEmergencyOnly:
		return "emergency-only"
	default:
		return "not-registered"
	}
}

// Registered reports whether data service is available at all.
func (r RegState) Registered() bool {
	return r == RegStateHome || r == RegStateRoaming
}

// ServiceState is the snapshot of one subscription's radio service, posted to
// consumers on change.
type ServiceState struct {
	Reg       RegState
	RadioTech NetworkType
	RadioOn   bool
	Signal    SignalLevel
}

// Roaming reports whether the subscription is data-roaming.
func (s ServiceState) Roaming() bool {
	return s.Reg == RegStateRoaming
}
