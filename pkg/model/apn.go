package model

import "strings"

// ApnType is the bitmask a data profile declares to say which traffic
// classes it can carry. One bit per class, matching the usual carrier
// provisioning format.
type ApnType uint32

const (
	ApnTypeNone    ApnType = 0
	ApnTypeDefault ApnType = 1 << iota
	ApnTypeMMS
	ApnTypeSUPL
	ApnTypeDUN
	ApnTypeFOTA
	ApnTypeIMS
	ApnTypeCBS
	ApnTypeXCAP
	ApnTypeEmergency
	ApnTypeEnterprise
	ApnTypeMCX
	ApnTypeIA // initial attach
)

var apnTypeNames = map[ApnType]string{
	ApnTypeDefault:    "default",
	ApnTypeMMS:        "mms",
	ApnTypeSUPL:       "supl",
	ApnTypeDUN:        "dun",
	ApnTypeFOTA:       "fota",
	ApnTypeIMS:        "ims",
	ApnTypeCBS:        "cbs",
	ApnTypeXCAP:       "xcap",
	ApnTypeEmergency:  "emergency",
	ApnTypeEnterprise: "enterprise",
	ApnTypeMCX:        "mcx",
	ApnTypeIA:         "ia",
}

// capabilityApnTypes maps apn-type capabilities to the profile bit that can
// satisfy them. Capabilities absent here (NOT_RESTRICTED, TRUSTED, the
// latency/bandwidth classes) refine matching but never select a profile on
// their own.
var capabilityApnTypes = map[Capability]ApnType{
	CapabilityInternet:   ApnTypeDefault,
	CapabilityMMS:        ApnTypeMMS,
	CapabilitySUPL:       ApnTypeSUPL,
	CapabilityDUN:        ApnTypeDUN,
	CapabilityFOTA:       ApnTypeFOTA,
	CapabilityIMS:        ApnTypeIMS,
	CapabilityCBS:        ApnTypeCBS,
	CapabilityXCAP:       ApnTypeXCAP,
	CapabilityEIMS:       ApnTypeEmergency,
	CapabilityEnterprise: ApnTypeEnterprise,
	CapabilityMCX:        ApnTypeMCX,
}

// ApnTypeForCapability returns the profile bit that satisfies the capability,
// or ApnTypeNone for non-apn-type capabilities.
func ApnTypeForCapability(c Capability) ApnType {
	return capabilityApnTypes[c]
}

// Has reports whether all bits of other are set.
func (a ApnType) Has(other ApnType) bool {
	return a&other == other
}

// String renders "default,mms" style, in bit order.
func (a ApnType) String() string {
	var names []string
	for bit := ApnTypeDefault; bit <= ApnTypeIA; bit <<= 1 {
		if a.Has(bit) {
			names = append(names, apnTypeNames[bit])
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// ParseApnTypes parses "default,mms" style strings, ignoring unknown names.
// "*" means all types.
func ParseApnTypes(s string) ApnType {
	var a ApnType
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "*" {
			for bit := range apnTypeNames {
				a |= bit
			}
			return a
		}
		for bit, name := range apnTypeNames {
			if name == part {
				a |= bit
			}
		}
	}
	return a
}
