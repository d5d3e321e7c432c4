// Package model defines the shared value types of the mobile-data stack:
// network capabilities, APN types, radio technologies, fail causes, and the
// event payloads exchanged between components.
//
// Everything in this package is either immutable or plain value data. Mutable
// state lives with its owning component (see pkg/controller, pkg/switcher).
package model

import (
	"sort"
	"strconv"
	"strings"
)

// Capability identifies what an application network request asks for.
// A request carries a set of capabilities, exactly one of which is an
// "apn-type" capability used for profile matching.
type Capability int

const (
	CapabilityNone Capability = iota
	CapabilityInternet
	CapabilityMMS
	CapabilitySUPL
	CapabilityDUN
	CapabilityFOTA
	CapabilityIMS
	CapabilityCBS
	CapabilityXCAP
	CapabilityEIMS
	CapabilityEnterprise
	CapabilityMCX
	CapabilityNotRestricted
	CapabilityTrusted
	CapabilityPrioritizeLatency
	CapabilityPrioritizeBandwidth
)

var capabilityNames = map[Capability]string{
	CapabilityNone:                "none",
	CapabilityInternet:            "internet",
	CapabilityMMS:                 "mms",
	CapabilitySUPL:                "supl",
	CapabilityDUN:                 "dun",
	CapabilityFOTA:                "fota",
	CapabilityIMS:                 "ims",
	CapabilityCBS:                 "cbs",
	CapabilityXCAP:                "xcap",
	CapabilityEIMS:                "eims",
	CapabilityEnterprise:          "enterprise",
	CapabilityMCX:                 "mcx",
	CapabilityNotRestricted:       "not_restricted",
	CapabilityTrusted:             "trusted",
	CapabilityPrioritizeLatency:   "prioritize_latency",
	CapabilityPrioritizeBandwidth: "prioritize_bandwidth",
}

// String returns the lowercase config-file name of the capability.
func (c Capability) String() string {
	if s, ok := capabilityNames[c]; ok {
		return s
	}
	return "unknown"
}

// CapabilityFromName parses a config-file capability name. Unknown names
// return CapabilityNone.
func CapabilityFromName(name string) Capability {
	name = strings.ToLower(strings.TrimSpace(name))
	for c, s := range capabilityNames {
		if s == name {
			return c
		}
	}
	return CapabilityNone
}

// IsApnType reports whether the capability maps onto a data profile APN type
// and therefore participates in profile matching.
func (c Capability) IsApnType() bool {
	_, ok := capabilityApnTypes[c]
	return ok
}

// CapabilitySet is a bitmask of capabilities. The zero value is empty.
type CapabilitySet uint32

// NewCapabilitySet builds a set from individual capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s = s.With(c)
	}
	return s
}

// With returns the set with c added.
func (s CapabilitySet) With(c Capability) CapabilitySet {
	return s | (1 << uint(c))
}

// Without returns the set with c removed.
func (s CapabilitySet) Without(c Capability) CapabilitySet {
	return s &^ (1 << uint(c))
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	return s&(1<<uint(c)) != 0
}

// IsEmpty reports whether the set has no capabilities.
func (s CapabilitySet) IsEmpty() bool {
	return s == 0
}

// Capabilities returns the members in ascending enum order.
func (s CapabilitySet) Capabilities() []Capability {
	var out []Capability
	for c := CapabilityInternet; c <= CapabilityPrioritizeBandwidth; c++ {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// ApnTypeCapability returns the single apn-type capability of the set, or
// CapabilityNone when the set carries none. When a malformed set carries more
// than one, the highest-priority one wins; requests are validated at creation
// so this is a safety net, not a supported shape.
func (s CapabilitySet) ApnTypeCapability(table *PriorityTable) Capability {
	best := CapabilityNone
	bestPrio := -1
	for _, c := range s.Capabilities() {
		if !c.IsApnType() {
			continue
		}
		if p := table.Priority(c); p > bestPrio {
			best, bestPrio = c, p
		}
	}
	return best
}

// String renders the set as "internet|mms" style, sorted by name.
func (s CapabilitySet) String() string {
	caps := s.Capabilities()
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, c.String())
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

// ParseCapabilitySet parses "internet|mms" style strings. Unknown names are
// dropped rather than rejected; carrier config is never trusted to be clean.
func ParseCapabilitySet(s string) CapabilitySet {
	var set CapabilitySet
	for _, part := range strings.Split(s, "|") {
		if c := CapabilityFromName(part); c != CapabilityNone {
			set = set.With(c)
		}
	}
	return set
}

// Default request priorities by capability. Carrier config may override
// individual entries (see PriorityTable); anything absent here scores 0.
var defaultPriorities = map[Capability]int{
	CapabilityEIMS:       90,
	CapabilitySUPL:       80,
	CapabilityMMS:        70,
	CapabilityXCAP:       70,
	CapabilityCBS:        60,
	CapabilityMCX:        50,
	CapabilityIMS:        40,
	CapabilityDUN:        30,
	CapabilityFOTA:       30,
	CapabilityInternet:   20,
	CapabilityEnterprise: 20,
}

// PriorityTable maps capabilities to request priorities. It is owned by the
// per-subscription controller and rebuilt on carrier config change.
type PriorityTable struct {
	prio map[Capability]int
}

// NewPriorityTable returns the built-in default table.
func NewPriorityTable() *PriorityTable {
	t := &PriorityTable{prio: make(map[Capability]int, len(defaultPriorities))}
	for c, p := range defaultPriorities {
		t.prio[c] = p
	}
	return t
}

// NewPriorityTableFromConfig applies "name:priority" override strings on top
// of the defaults. Malformed entries are ignored.
func NewPriorityTableFromConfig(overrides []string) *PriorityTable {
	t := NewPriorityTable()
	for _, o := range overrides {
		name, val, ok := strings.Cut(o, ":")
		if !ok {
			continue
		}
		c := CapabilityFromName(name)
		if c == CapabilityNone {
			continue
		}
		p, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			continue
		}
		t.prio[c] = p
	}
	return t
}

// Priority returns the priority of a single capability (0 if unlisted).
func (t *PriorityTable) Priority(c Capability) int {
	return t.prio[c]
}

// SetPriority returns the priority of a capability set: the highest priority
// among its members. Priority ordering between requests is derived from this.
func (t *PriorityTable) SetPriority(s CapabilitySet) int {
	max := 0
	for _, c := range s.Capabilities() {
		if p := t.prio[c]; p > max {
			max = p
		}
	}
	return max
}
