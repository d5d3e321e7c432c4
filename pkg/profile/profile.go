// Package profile holds the configured data profiles (APN / traffic
// descriptor definitions) and selects the best match for a network request.
package profile

import (
	"fmt"
	"time"

	"github.com/mdstack-network/mdstack/pkg/config"
	"github.com/mdstack-network/mdstack/pkg/model"
)

// TrafficDescriptor identifies non-APN traffic (a network slice DNN or an
// application descriptor) for profiles that dial without an APN.
type TrafficDescriptor struct {
	DNN   string `json:"dnn,omitempty"`
	OSApp string `json:"os_app,omitempty"`
}

// Profile is an immutable description of how to dial a data session. The
// last-setup timestamp is the only mutable part and lives in the store, not
// here; the selector reads it for least-recently-used ordering.
type Profile struct {
	Name     string
	APN      string
	Protocol string
	AuthType string

	// CarrierEnabled is the provisioning on/off flag. See Enabled().
	CarrierEnabled bool

	ApnTypes     model.ApnType
	NetworkTypes model.NetworkTypeBitmask
	EnterpriseID int
	Descriptor   *TrafficDescriptor

	// LastSetup is when this profile last established a data call. Used to
	// spread load across equally eligible profiles.
	LastSetup time.Time
}

// Enabled reports whether the profile may be used: the carrier flag is on,
// or the profile has no APN and instead describes a traffic descriptor.
func (p *Profile) Enabled() bool {
	if p.CarrierEnabled {
		return true
	}
	return p.APN == "" && p.Descriptor != nil
}

// CanSatisfy reports whether the profile's APN-type bitmask covers the
// request's apn-type capability and the current radio technology is within
// the profile's network-type bitmask.
func (p *Profile) CanSatisfy(c model.Capability, radioTech model.NetworkType) bool {
	apnType := model.ApnTypeForCapability(c)
	if apnType == model.ApnTypeNone {
		return false
	}
	if !p.ApnTypes.Has(apnType) {
		return false
	}
	return p.NetworkTypes.Allows(radioTech)
}

func (p *Profile) String() string {
	return fmt.Sprintf("profile{%s apn=%q types=%s}", p.Name, p.APN, p.ApnTypes)
}

// NewFromSeed builds a profile from a config file seed entry. The enabled
// flag defaults to true when omitted.
func NewFromSeed(s config.ProfileSeed) *Profile {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	p := &Profile{
		Name:           s.Name,
		APN:            s.APN,
		Protocol:       s.Protocol,
		AuthType:       s.AuthType,
		CarrierEnabled: enabled,
		ApnTypes:       model.ParseApnTypes(s.ApnTypes),
		NetworkTypes:   model.ParseNetworkTypeBitmask(s.NetworkTypes),
		EnterpriseID:   s.EnterpriseID,
	}
	if s.TrafficDescriptor != "" {
		p.Descriptor = &TrafficDescriptor{DNN: s.TrafficDescriptor}
	}
	return p
}
