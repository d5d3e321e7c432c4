// Package retry decides whether and when a failed data network attempt is
// retried, driven by carrier-supplied rule strings.
//
// Rule strings are comma-separated key=value pairs:
//
//	capabilities=internet|mms, retry_interval=2500, backoff=true, maximum_retries=13
//	fail_causes=8|27|28, maximum_retries=0
//	capabilities=eims, retry_interval=1000
//
// Parsing is tolerant by contract: malformed numeric fields fall back to
// documented defaults instead of failing, because carrier config arrives
// from provisioning systems this stack does not control.
package retry

import (
	"strconv"
	"strings"
	"time"

	"github.com/mdstack-network/mdstack/pkg/model"
	"github.com/mdstack-network/mdstack/pkg/util"
)

const (
	// DefaultMaxRetries applies when a rule omits maximum_retries.
	DefaultMaxRetries = 10
	// DefaultRetryInterval applies when a rule omits retry_interval.
	DefaultRetryInterval = 5 * time.Second
	// DefaultFrequencyWindow and DefaultFrequencyOccurrence apply to the
	// optional frequency=windowMs|occurrence anomaly field.
	DefaultFrequencyWindow     = 0 * time.Millisecond
	DefaultFrequencyOccurrence = 2
	// maxBackoffInterval caps doubling for backed-off rules that give a
	// single interval and therefore no explicit ceiling.
	maxBackoffInterval = 10 * time.Minute
)

// Rule is one parsed carrier retry rule. Immutable once parsed.
type Rule struct {
	// Capabilities the rule applies to. Ignored when FailCauses is set.
	Capabilities model.CapabilitySet
	// FailCauses the rule applies to. Cause-based rules match regardless of
	// capabilities.
	FailCauses map[model.FailCause]bool

	MaxRetries int
	Intervals  []time.Duration
	// BackedOff doubles the delay on each consecutive failure, up to the
	// rule's interval ceiling.
	BackedOff bool

	// Frequency anomaly window: Occurrence failures within Window make the
	// failure permanent regardless of the retry budget. Window 0 disables.
	Window     time.Duration
	Occurrence int
}

// ceiling is the largest delay a backed-off rule may reach.
func (r *Rule) ceiling() time.Duration {
	if len(r.Intervals) > 1 {
		return r.Intervals[len(r.Intervals)-1]
	}
	return maxBackoffInterval
}

// initialInterval is the first retry delay.
func (r *Rule) initialInterval() time.Duration {
	if len(r.Intervals) > 0 {
		return r.Intervals[0]
	}
	return DefaultRetryInterval
}

// intervalFor returns the fixed delay for the nth consecutive failure
// (1-based) of a non-backed-off rule: the configured list, last value
// sticky.
func (r *Rule) intervalFor(n int) time.Duration {
	if len(r.Intervals) == 0 {
		return DefaultRetryInterval
	}
	if n-1 < len(r.Intervals) {
		return r.Intervals[n-1]
	}
	return r.Intervals[len(r.Intervals)-1]
}

// matches reports whether the rule applies to a failure of the given group
// capabilities and cause.
func (r *Rule) matches(caps model.CapabilitySet, cause model.FailCause) bool {
	if len(r.FailCauses) > 0 {
		return r.FailCauses[cause]
	}
	return r.Capabilities&caps != 0
}

// ParseRule parses one rule string. A rule with neither capabilities nor
// fail causes matches nothing and is dropped by ParseRules; every other
// field degrades to its default on malformed input.
func ParseRule(s string) *Rule {
	r := &Rule{
		MaxRetries: DefaultMaxRetries,
		Window:     DefaultFrequencyWindow,
		Occurrence: DefaultFrequencyOccurrence,
	}
	for _, part := range strings.Split(s, ",") {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		switch key {
		case "capabilities":
			r.Capabilities = model.ParseCapabilitySet(val)
		case "fail_causes":
			r.FailCauses = parseFailCauses(val)
		case "maximum_retries":
			if n, err := strconv.Atoi(val); err == nil && n >= 0 {
				r.MaxRetries = n
			}
		case "retry_interval":
			r.Intervals = parseIntervals(val)
		case "backoff":
			r.BackedOff = val == "true"
		case "frequency":
			r.Window, r.Occurrence = parseFrequency(val)
		}
	}
	return r
}

// ParseRules parses a rule list in config order, dropping rules that can
// never match.
func ParseRules(rules []string) []*Rule {
	out := make([]*Rule, 0, len(rules))
	for _, s := range rules {
		r := ParseRule(s)
		if r.Capabilities.IsEmpty() && len(r.FailCauses) == 0 {
			util.WithComponent("retry").Warnf("dropping unmatched retry rule %q", s)
			continue
		}
		out = append(out, r)
	}
	return out
}

func parseFailCauses(s string) map[model.FailCause]bool {
	out := make(map[model.FailCause]bool)
	for _, part := range strings.Split(s, "|") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out[model.FailCause(n)] = true
		}
	}
	return out
}

func parseIntervals(s string) []time.Duration {
	var out []time.Duration
	for _, part := range strings.Split(s, "|") {
		if ms, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && ms > 0 {
			out = append(out, time.Duration(ms)*time.Millisecond)
		}
	}
	return out
}

func parseFrequency(s string) (time.Duration, int) {
	window := DefaultFrequencyWindow
	occurrence := DefaultFrequencyOccurrence
	parts := strings.Split(s, "|")
	if len(parts) > 0 {
		if ms, err := strconv.Atoi(strings.TrimSpace(parts[0])); err == nil && ms >= 0 {
			window = time.Duration(ms) * time.Millisecond
		}
	}
	if len(parts) > 1 {
		if n, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil && n > 0 {
			occurrence = n
		}
	}
	return window, occurrence
}
