package request

import (
	"fmt"
	"sort"

	"github.com/mdstack-network/mdstack/pkg/model"
)

// Group is a maximal set of mutually compatible requests: same apn-type
// capability, and for enterprise requests the same differentiator. Requests
// are ordered by descending priority, insertion order breaking ties.
type Group struct {
	Capability   model.Capability
	EnterpriseID int
	Requests     []*Request
}

// Priority of a group is its highest request priority.
func (g *Group) Priority() int {
	if len(g.Requests) == 0 {
		return 0
	}
	return g.Requests[0].priority
}

// IsEnterprise reports whether this group carries enterprise traffic.
func (g *Group) IsEnterprise() bool {
	return g.Capability == model.CapabilityEnterprise
}

// Exclusive groups never receive the NOT_RESTRICTED capability: enterprise
// slices and emergency sessions stay restricted to their own traffic.
func (g *Group) Exclusive() bool {
	return g.IsEnterprise() || g.Capability == model.CapabilityEIMS
}

// NetworkCapabilities is the capability set a data network serving this
// group must advertise: the union of all member requests, plus
// NOT_RESTRICTED unless the group is exclusive.
func (g *Group) NetworkCapabilities() model.CapabilitySet {
	var caps model.CapabilitySet
	for _, r := range g.Requests {
		caps |= r.caps
	}
	if !g.Exclusive() {
		caps = caps.With(model.CapabilityNotRestricted)
	}
	return caps
}

// Key is a stable string identity for the group, used by retry bookkeeping
// and logs.
func (g *Group) Key() string {
	if g.IsEnterprise() {
		return fmt.Sprintf("%s/%d", g.Capability, g.EnterpriseID)
	}
	return g.Capability.String()
}

// Key identifies the group for map lookups.
type groupKey struct {
	cap model.Capability
	ent int
}

// Registry holds the active network requests of one subscription controller,
// sorted by descending priority. It is owned by the controller's event loop
// and is not safe for concurrent use.
type Registry struct {
	table *model.PriorityTable
	reqs  []*Request
	seq   int
}

// NewRegistry creates an empty registry using the given priority table.
func NewRegistry(table *model.PriorityTable) *Registry {
	if table == nil {
		table = model.NewPriorityTable()
	}
	return &Registry{table: table}
}

// Len returns the number of active requests.
func (reg *Registry) Len() int { return len(reg.reqs) }

// All returns the requests in priority order. The slice is a copy; the
// requests are shared.
func (reg *Registry) All() []*Request {
	out := make([]*Request, len(reg.reqs))
	copy(out, reg.reqs)
	return out
}

// Add inserts a request keeping the priority-descending order. It returns
// false, without mutation, when an equal request is already present.
func (reg *Registry) Add(r *Request) bool {
	for _, existing := range reg.reqs {
		if existing.Equal(r) {
			return false
		}
	}
	r.priority = reg.table.SetPriority(r.caps)
	r.seq = reg.seq
	reg.seq++

	// Insert after the last entry with priority >= r's, preserving insertion
	// order among equals.
	idx := sort.Search(len(reg.reqs), func(i int) bool {
		return reg.reqs[i].priority < r.priority
	})
	reg.reqs = append(reg.reqs, nil)
	copy(reg.reqs[idx+1:], reg.reqs[idx:])
	reg.reqs[idx] = r
	return true
}

// Remove deletes the request equal to r. It returns false when absent.
func (reg *Registry) Remove(r *Request) bool {
	for i, existing := range reg.reqs {
		if existing.Equal(r) {
			reg.reqs = append(reg.reqs[:i], reg.reqs[i+1:]...)
			return true
		}
	}
	return false
}

// SetPriorityTable replaces the priority table (carrier config change),
// recomputes every request's priority, and re-sorts.
func (reg *Registry) SetPriorityTable(table *model.PriorityTable) {
	reg.table = table
	for _, r := range reg.reqs {
		r.priority = table.SetPriority(r.caps)
	}
	sort.SliceStable(reg.reqs, func(i, j int) bool {
		if reg.reqs[i].priority != reg.reqs[j].priority {
			return reg.reqs[i].priority > reg.reqs[j].priority
		}
		return reg.reqs[i].seq < reg.reqs[j].seq
	})
}

// PriorityTable returns the table in use.
func (reg *Registry) PriorityTable() *model.PriorityTable { return reg.table }

// GroupedByCapability partitions the sorted requests into groups. Groups
// appear in priority order (the order their first member appears in the
// sorted list); enterprise requests split further by differentiator.
func (reg *Registry) GroupedByCapability() []*Group {
	byKey := make(map[groupKey]*Group)
	var order []*Group
	for _, r := range reg.reqs {
		cap := r.ApnTypeCapability(reg.table)
		key := groupKey{cap: cap}
		if cap == model.CapabilityEnterprise {
			key.ent = r.enterpriseID
		}
		g, ok := byKey[key]
		if !ok {
			g = &Group{Capability: cap, EnterpriseID: key.ent}
			byKey[key] = g
			order = append(order, g)
		}
		g.Requests = append(g.Requests, r)
	}
	return order
}
