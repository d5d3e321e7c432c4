// Package recovery watches the validation signal of the primary internet
// data network and escalates through recovery actions when connectivity
// stalls. The engine only reports actions to its sink; it never touches the
// radio itself.
package recovery

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdstack-network/mdstack/pkg/evloop"
	"github.com/mdstack-network/mdstack/pkg/model"
	"github.com/mdstack-network/mdstack/pkg/util"
)

// Action is one rung of the escalation ladder, in order.
type Action int

const (
	ActionGetDataCallList Action = iota
	ActionCleanup
	ActionRadioRestart
	ActionModemReset

	actionCount = 4
)

var actionNames = map[Action]string{
	ActionGetDataCallList: "get-data-call-list",
	ActionCleanup:         "cleanup",
	ActionRadioRestart:    "radio-restart",
	ActionModemReset:      "modem-reset",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "unknown"
}

// Sink receives the action to perform. Invoked synchronously from the
// owning loop; the host dispatches to the data service, the controller, or
// the modem control surface.
type Sink interface {
	PerformRecovery(a Action)
}

// Options configures the ladder. Delays and Skip are indexed by Action and
// padded by config loading.
type Options struct {
	Delays       []time.Duration
	Skip         []bool
	SignalFloor  model.SignalLevel
	OffhookRetry time.Duration
}

// Engine is the stall recovery state machine. All methods must run on the
// owning loop.
type Engine struct {
	loop *evloop.Loop
	sink Sink
	opts Options
	log  *logrus.Entry

	current    Action
	stallStart time.Time
	lastStep   time.Time

	networkUp   bool
	dataAllowed bool
	signal      model.SignalLevel
	call        model.CallState

	pending *evloop.Task
}

// NewEngine builds the engine in its reset state.
func NewEngine(loop *evloop.Loop, sink Sink, opts Options) *Engine {
	if opts.OffhookRetry <= 0 {
		opts.OffhookRetry = 5 * time.Second
	}
	return &Engine{
		loop:   loop,
		sink:   sink,
		opts:   opts,
		log:    util.WithComponent("recovery"),
		signal: model.SignalGreat,
	}
}

// Current returns the next action the ladder will take.
func (e *Engine) Current() Action { return e.current }

// StallStart returns when the current stall episode began, zero outside a
// stall.
func (e *Engine) StallStart() time.Time { return e.stallStart }

// SetNetworkUp tracks whether the designated internet network exists. Both
// a fresh connect and a disconnect reset the ladder.
func (e *Engine) SetNetworkUp(up bool) {
	e.networkUp = up
	e.Reset()
}

// SetDataAllowed tracks the switcher's verdict for the owning subscription.
func (e *Engine) SetDataAllowed(allowed bool) { e.dataAllowed = allowed }

// SetSignal tracks the current signal level.
func (e *Engine) SetSignal(s model.SignalLevel) { e.signal = s }

// SetCallState tracks the voice call state.
func (e *Engine) SetCallState(c model.CallState) { e.call = c }

// OnValidationPassed resets the ladder.
func (e *Engine) OnValidationPassed() { e.Reset() }

// OnValidationFailed records one qualifying stall signal and attempts the
// current ladder step. A step already scheduled (inter-step delay or
// OFFHOOK deferral) absorbs further failures until it fires.
func (e *Engine) OnValidationFailed() {
	if e.pending != nil {
		return
	}
	e.attempt()
}

// Reset returns the ladder to its initial rung and synchronously cancels
// any deferred step so a late timer cannot act on stale state.
func (e *Engine) Reset() {
	if e.pending != nil {
		e.pending.Cancel()
		e.pending = nil
	}
	e.current = ActionGetDataCallList
	e.stallStart = time.Time{}
	e.lastStep = time.Time{}
}

func (e *Engine) attempt() {
	e.pending = nil
	if !e.networkUp || !e.dataAllowed {
		return
	}
	now := e.loop.Clock().Now()
	if e.stallStart.IsZero() {
		e.stallStart = now
	}

	idx, ok := e.nextUnskipped(e.current)
	if !ok {
		return
	}
	if wait := e.stepDelay(idx, now); wait > 0 {
		e.pending = e.loop.PostDelayed(wait, e.attempt)
		return
	}
	if e.signal < e.opts.SignalFloor {
		e.log.Debugf("signal %d below floor, holding at %s", e.signal, idx)
		return
	}
	if e.call == model.CallStateOffhook {
		e.log.Debugf("voice call active, deferring %s", idx)
		e.pending = e.loop.PostDelayed(e.opts.OffhookRetry, e.attempt)
		return
	}

	e.log.Warnf("stall recovery: %s (stalled %s)", idx, now.Sub(e.stallStart))
	e.sink.PerformRecovery(idx)
	e.lastStep = now
	e.current = Action((int(idx) + 1) % actionCount)
}

// nextUnskipped finds the first non-skipped action starting at from,
// wrapping once around the ladder. False when every step is skipped.
func (e *Engine) nextUnskipped(from Action) (Action, bool) {
	for i := 0; i < actionCount; i++ {
		a := Action((int(from) + i) % actionCount)
		if int(a) < len(e.opts.Skip) && e.opts.Skip[a] {
			continue
		}
		return a, true
	}
	return from, false
}

// stepDelay returns how much longer the ladder must wait before taking
// action idx: the configured per-step delay measured from the previous step
// (or from stall start for the first).
func (e *Engine) stepDelay(idx Action, now time.Time) time.Duration {
	if int(idx) >= len(e.opts.Delays) {
		return 0
	}
	since := e.lastStep
	if since.IsZero() {
		since = e.stallStart
	}
	return e.opts.Delays[idx] - now.Sub(since)
}
