// Package autoswitch decides whether the non-default subscription should
// temporarily carry data because it is durably in better service than the
// default. It emits switch/cancel directives to the phone switcher and a
// show/hide signal for the one notification surface; it never performs the
// switch itself.
package autoswitch

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdstack-network/mdstack/pkg/evloop"
	"github.com/mdstack-network/mdstack/pkg/model"
	"github.com/mdstack-network/mdstack/pkg/util"
)

// Validator runs a connectivity probe on the candidate subscription before
// a switch is signaled. Completions may arrive from any goroutine.
type Validator interface {
	Validate(subID int, done func(passed bool))
}

// Sink receives the controller's directives, synchronously on the owning
// loop.
type Sink interface {
	OnAutoSwitch(targetSub int)
	OnAutoSwitchRevert()
	ShowAutoSwitchNotification(show bool)
}

// Options configures the controller.
type Options struct {
	// Stability is how long the candidate must stay better before a
	// switch is attempted.
	Stability time.Duration
	// MaxValidationRetries bounds consecutive failed probes per attempt.
	MaxValidationRetries int
	// PingTestRequired gates switching on a successful probe. Carrier
	// config may clear it to switch on service state alone.
	PingTestRequired bool
}

type phase int

const (
	phaseIdle phase = iota
	phaseStability
	phaseValidating
	phaseSwitched
)

// Controller is the auto data switch state machine. All methods must run on
// the owning loop.
type Controller struct {
	loop      *evloop.Loop
	validator Validator
	sink      Sink
	opts      Options
	log       *logrus.Entry

	defaultSub int
	states     map[int]model.ServiceState
	enabled    bool

	phase      phase
	target     int
	stability  *evloop.Task
	validEpoch int
	validFails int

	notifShown bool
}

// New builds an idle controller. defaultSub is the device default-data
// subscription; subs are all subscriptions the device carries.
func New(loop *evloop.Loop, validator Validator, sink Sink, opts Options, defaultSub int) *Controller {
	return &Controller{
		loop:       loop,
		validator:  validator,
		sink:       sink,
		opts:       opts,
		log:        util.WithComponent("autoswitch"),
		defaultSub: defaultSub,
		states:     make(map[int]model.ServiceState),
		enabled:    true,
	}
}

// SetEnabled tracks the user/data-settings permission for auto switching.
func (c *Controller) SetEnabled(enabled bool) {
	c.enabled = enabled
	c.evaluate()
}

// SetDefaultSub tracks the device default-data subscription.
func (c *Controller) SetDefaultSub(subID int) {
	if subID == c.defaultSub {
		return
	}
	c.defaultSub = subID
	c.abandon()
	c.evaluate()
}

// UpdateServiceState feeds a service-state change for any subscription.
func (c *Controller) UpdateServiceState(subID int, st model.ServiceState) {
	c.states[subID] = st
	c.evaluate()
}

// Switched reports whether the controller currently attributes the data
// role to its target rather than the default.
func (c *Controller) Switched() bool { return c.phase == phaseSwitched }

// Target returns the candidate subscription of the current attempt or
// switch, -1 when idle.
func (c *Controller) Target() int {
	if c.phase == phaseIdle {
		return -1
	}
	return c.target
}

// evaluate reconciles the state machine with current service states. It
// runs on every trigger and must be idempotent.
func (c *Controller) evaluate() {
	target, ok := c.candidate()

	switch c.phase {
	case phaseIdle:
		if ok {
			c.startStability(target)
		}
	case phaseStability, phaseValidating:
		if !ok || target != c.target {
			c.abandon()
			if ok {
				c.startStability(target)
			}
		}
	case phaseSwitched:
		if !ok || target != c.target {
			c.log.Info("conditions no longer favor target, reverting")
			c.reset()
			c.sink.OnAutoSwitchRevert()
			if ok {
				c.startStability(target)
			}
		}
	}
}

// candidate returns the non-default subscription that is durably better
// than the default: registered at home while the default is out of service
// or roaming.
func (c *Controller) candidate() (int, bool) {
	def, haveDef := c.states[c.defaultSub]
	if !c.enabled {
		return 0, false
	}
	defBad := !haveDef || !def.Reg.Registered() || def.Roaming()
	if !defBad {
		return 0, false
	}
	for subID, st := range c.states {
		if subID == c.defaultSub {
			continue
		}
		if st.Reg == model.RegStateHome && st.RadioOn {
			return subID, true
		}
	}
	return 0, false
}

func (c *Controller) startStability(target int) {
	c.phase = phaseStability
	c.target = target
	c.log.Debugf("sub %d better than default %d, stability wait %s", target, c.defaultSub, c.opts.Stability)
	c.stability = c.loop.PostDelayed(c.opts.Stability, c.stabilityElapsed)
}

func (c *Controller) stabilityElapsed() {
	c.stability = nil
	if c.phase != phaseStability {
		return
	}
	if _, ok := c.candidate(); !ok {
		c.reset()
		return
	}
	if !c.opts.PingTestRequired {
		c.commit()
		return
	}
	c.phase = phaseValidating
	c.validFails = 0
	c.startValidation()
}

func (c *Controller) startValidation() {
	epoch := c.validEpoch
	target := c.target
	c.validator.Validate(target, func(passed bool) {
		c.loop.Post(func() { c.validationDone(epoch, passed) })
	})
}

func (c *Controller) validationDone(epoch int, passed bool) {
	if c.phase != phaseValidating || epoch != c.validEpoch {
		return
	}
	if passed {
		c.validFails = 0
		c.commit()
		return
	}
	c.validFails++
	if c.validFails >= c.opts.MaxValidationRetries {
		c.log.Infof("validation failed %d times, abandoning switch to sub %d", c.validFails, c.target)
		c.reset()
		return
	}
	c.startValidation()
}

func (c *Controller) commit() {
	c.phase = phaseSwitched
	c.log.Infof("auto switching data to sub %d", c.target)
	c.sink.OnAutoSwitch(c.target)
	// First auto switch shows the notification; a repeat hides it.
	c.sink.ShowAutoSwitchNotification(!c.notifShown)
	c.notifShown = true
}

// abandon cancels an in-flight attempt without touching an established
// switch.
func (c *Controller) abandon() {
	if c.phase == phaseStability || c.phase == phaseValidating {
		c.reset()
	}
}

// reset drops to idle, synchronously invalidating the stability timer and
// any in-flight validation completion.
func (c *Controller) reset() {
	if c.stability != nil {
		c.stability.Cancel()
		c.stability = nil
	}
	c.validEpoch++
	c.validFails = 0
	c.phase = phaseIdle
	c.target = 0
}
