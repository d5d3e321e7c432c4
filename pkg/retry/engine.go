package retry

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/mdstack-network/mdstack/pkg/model"
	"github.com/mdstack-network/mdstack/pkg/util"
)

// Decision is the engine's answer to a single setup failure.
type Decision struct {
	// Retry is false when the failure is permanent for this group: the
	// retry budget is exhausted, no rule matched, or the anomaly window
	// tripped.
	Retry bool
	Delay time.Duration
	// Rule that produced the decision, nil when no rule matched.
	Rule *Rule
}

// Permanent is a no-retry decision.
var Permanent = Decision{}

type groupState struct {
	rule     *Rule
	failures int
	recent   []time.Time
	bo       *backoff.ExponentialBackOff
}

// Engine tracks consecutive failures per request group and maps each
// failure to a retry delay via the carrier rule list. Engines are owned by
// a single subscription event loop and are not safe for concurrent use.
type Engine struct {
	rules []*Rule
	clk   clock.Clock
	state map[string]*groupState
	log   *logrus.Entry
}

// NewEngine builds an engine from carrier rule strings. A nil clk uses the
// wall clock.
func NewEngine(rules []string, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		rules: ParseRules(rules),
		clk:   clk,
		state: make(map[string]*groupState),
		log:   util.WithComponent("retry"),
	}
}

// Rules returns the parsed rule list in evaluation order.
func (e *Engine) Rules() []*Rule { return e.rules }

// NextRetry records one setup failure for the group identified by key and
// returns the retry decision. Rules are evaluated in config order;
// cause-based rules match on cause alone, capability rules on overlap with
// caps. Switching to a different matching rule resets the consecutive
// failure count.
func (e *Engine) NextRetry(key string, caps model.CapabilitySet, cause model.FailCause) Decision {
	rule := e.match(caps, cause)
	if rule == nil {
		e.log.WithFields(logrus.Fields{"group": key, "cause": cause}).
			Debug("no retry rule matched, failure is permanent")
		delete(e.state, key)
		return Permanent
	}
	if rule.MaxRetries == 0 {
		delete(e.state, key)
		return Decision{Rule: rule}
	}

	st := e.state[key]
	if st == nil || st.rule != rule {
		st = &groupState{rule: rule}
		e.state[key] = st
	}
	st.failures++

	now := e.clk.Now()
	if rule.Window > 0 {
		st.recent = append(st.recent, now)
		st.recent = pruneBefore(st.recent, now.Add(-rule.Window))
		if len(st.recent) >= rule.Occurrence {
			e.log.WithFields(logrus.Fields{"group": key, "occurrence": rule.Occurrence}).
				Warn("failure frequency anomaly, suppressing retries")
			delete(e.state, key)
			return Decision{Rule: rule}
		}
	}
	if st.failures > rule.MaxRetries {
		e.log.WithFields(logrus.Fields{"group": key, "failures": st.failures}).
			Debug("retry budget exhausted")
		delete(e.state, key)
		return Decision{Rule: rule}
	}

	return Decision{Retry: true, Delay: e.delayFor(st), Rule: rule}
}

// NoteSuccess clears the consecutive failure count for the group. Called on
// every successful connection so the next failure starts the rule from its
// first interval.
func (e *Engine) NoteSuccess(key string) {
	delete(e.state, key)
}

// Reset drops all tracked failure state, for carrier config reloads.
func (e *Engine) Reset() {
	e.state = make(map[string]*groupState)
}

func (e *Engine) match(caps model.CapabilitySet, cause model.FailCause) *Rule {
	for _, r := range e.rules {
		if r.matches(caps, cause) {
			return r
		}
	}
	return nil
}

func (e *Engine) delayFor(st *groupState) time.Duration {
	if !st.rule.BackedOff {
		return st.rule.intervalFor(st.failures)
	}
	if st.bo == nil {
		st.bo = &backoff.ExponentialBackOff{
			InitialInterval:     st.rule.initialInterval(),
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         st.rule.ceiling(),
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}
		st.bo.Reset()
	}
	return st.bo.NextBackOff()
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
