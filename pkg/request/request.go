// Package request models application network requests and the registry that
// keeps them ordered by priority and grouped by the capability they need a
// data network for.
package request

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mdstack-network/mdstack/pkg/model"
)

// Request is one application network request. Immutable except for its
// satisfied flag, which the owning controller flips as data networks come
// and go.
type Request struct {
	token        uuid.UUID
	caps         model.CapabilitySet
	subID        int // pinned subscription, -1 when unpinned
	enterpriseID int // differentiator for enterprise requests
	specifier    string
	score        int

	priority  int // derived from the registry's priority table
	seq       int // registry insertion order
	satisfied bool
}

// Option configures a Request at creation.
type Option func(*Request)

// WithSubID pins the request to a subscription.
func WithSubID(subID int) Option {
	return func(r *Request) { r.subID = subID }
}

// WithEnterpriseID sets the enterprise differentiator.
func WithEnterpriseID(id int) Option {
	return func(r *Request) { r.enterpriseID = id }
}

// WithSpecifier attaches the OS layer's network specifier string.
func WithSpecifier(s string) Option {
	return func(r *Request) { r.specifier = s }
}

// WithScore attaches the OS layer's score.
func WithScore(score int) Option {
	return func(r *Request) { r.score = score }
}

// New creates a request. The capability set must contain exactly one
// apn-type capability; anything else is a malformed request from the OS
// layer and is rejected.
func New(caps model.CapabilitySet, opts ...Option) (*Request, error) {
	apnCount := 0
	for _, c := range caps.Capabilities() {
		if c.IsApnType() {
			apnCount++
		}
	}
	if apnCount != 1 {
		return nil, fmt.Errorf("request needs exactly one apn-type capability, got %d in %v", apnCount, caps)
	}

	r := &Request{
		token: uuid.New(),
		caps:  caps,
		subID: -1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// MustNew is New for tests and static request tables; it panics on error.
func MustNew(caps model.CapabilitySet, opts ...Option) *Request {
	r, err := New(caps, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Token returns the unique identity of this request instance.
func (r *Request) Token() uuid.UUID { return r.token }

// Capabilities returns the requested capability set.
func (r *Request) Capabilities() model.CapabilitySet { return r.caps }

// SubID returns the pinned subscription, or -1.
func (r *Request) SubID() int { return r.subID }

// EnterpriseID returns the enterprise differentiator (0 for non-enterprise).
func (r *Request) EnterpriseID() int { return r.enterpriseID }

// Specifier returns the OS layer's specifier string.
func (r *Request) Specifier() string { return r.specifier }

// Score returns the OS layer's score.
func (r *Request) Score() int { return r.score }

// Priority returns the derived priority (set by the registry).
func (r *Request) Priority() int { return r.priority }

// Satisfied reports whether a data network currently serves this request.
func (r *Request) Satisfied() bool { return r.satisfied }

// SetSatisfied updates the satisfied flag.
func (r *Request) SetSatisfied(v bool) { r.satisfied = v }

// ApnTypeCapability returns the single capability used for profile matching.
func (r *Request) ApnTypeCapability(table *model.PriorityTable) model.Capability {
	return r.caps.ApnTypeCapability(table)
}

// Equal reports semantic equality: same capabilities (order-insensitive by
// construction), same subscription pin, and same enterprise differentiator.
// The registry deduplicates on this, not on token identity.
func (r *Request) Equal(other *Request) bool {
	return r.caps == other.caps &&
		r.subID == other.subID &&
		r.enterpriseID == other.enterpriseID
}

func (r *Request) String() string {
	return fmt.Sprintf("request{caps=%s prio=%d sub=%d}", r.caps, r.priority, r.subID)
}
