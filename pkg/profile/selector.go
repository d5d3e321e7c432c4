package profile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mdstack-network/mdstack/pkg/model"
	"github.com/mdstack-network/mdstack/pkg/request"
	"github.com/mdstack-network/mdstack/pkg/util"
)

// Selector matches requests to profiles over a loaded snapshot. It is owned
// by one controller loop; Reload is posted onto that loop by the external
// carrier-config-changed trigger.
type Selector struct {
	store    Store
	profiles []*Profile
}

// NewSelector creates a selector over a store. Call Reload before first use.
func NewSelector(store Store) *Selector {
	return &Selector{store: store}
}

// Reload replaces the snapshot from the store.
func (s *Selector) Reload(ctx context.Context) error {
	profiles, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading profiles: %w", err)
	}
	s.profiles = profiles
	util.WithComponent("profile-selector").Debugf("loaded %d profiles", len(profiles))
	return nil
}

// Profiles returns the current snapshot.
func (s *Selector) Profiles() []*Profile { return s.profiles }

// SelectFor returns the best enabled profile for a request under the current
// radio technology, or nil when nothing matches. Enterprise, latency and
// bandwidth class requests additionally require an exact differentiator or
// descriptor tag match.
func (s *Selector) SelectFor(r *request.Request, table *model.PriorityTable, radioTech model.NetworkType) *Profile {
	candidates := s.matchingProfiles(r.ApnTypeCapability(table), radioTech)

	var filtered []*Profile
	for _, p := range candidates {
		if r.Capabilities().Has(model.CapabilityEnterprise) && p.EnterpriseID != r.EnterpriseID() {
			continue
		}
		wantsClass := r.Capabilities().Has(model.CapabilityPrioritizeLatency) ||
			r.Capabilities().Has(model.CapabilityPrioritizeBandwidth)
		if wantsClass {
			if p.Descriptor == nil {
				continue
			}
			if spec := r.Specifier(); spec != "" && p.Descriptor.DNN != spec {
				continue
			}
		}
		filtered = append(filtered, p)
	}
	if len(filtered) == 0 {
		return nil
	}
	sortByLastSetup(filtered)
	return filtered[0]
}

// SelectAllFor returns every enabled profile matching the capability,
// least-recently-used first so setup load spreads across equally eligible
// profiles.
func (s *Selector) SelectAllFor(c model.Capability, radioTech model.NetworkType) []*Profile {
	out := s.matchingProfiles(c, radioTech)
	sortByLastSetup(out)
	return out
}

func (s *Selector) matchingProfiles(c model.Capability, radioTech model.NetworkType) []*Profile {
	var out []*Profile
	for _, p := range s.profiles {
		if !p.Enabled() {
			continue
		}
		if !p.CanSatisfy(c, radioTech) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func sortByLastSetup(profiles []*Profile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].LastSetup.Before(profiles[j].LastSetup)
	})
}

// MarkSetup records that a profile just dialed, both in the snapshot (so
// subsequent queries in the same pass re-sort) and in the store.
func (s *Selector) MarkSetup(ctx context.Context, name string, now time.Time) {
	for _, p := range s.profiles {
		if p.Name == name {
			p.LastSetup = now
			break
		}
	}
	if err := s.store.UpdateLastSetup(ctx, name, now); err != nil {
		util.WithComponent("profile-selector").Warnf("persisting last-setup for %s: %v", name, err)
	}
}
