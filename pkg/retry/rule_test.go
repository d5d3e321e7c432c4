package retry

import (
	"testing"
	"time"

	"github.com/mdstack-network/mdstack/pkg/model"
)

// ============================================================
// Rule parsing
// ============================================================

func TestParseRule_Defaults(t *testing.T) {
	r := ParseRule("capabilities=eims, retry_interval=1000")

	want := model.NewCapabilitySet(model.CapabilityEIMS)
	if r.Capabilities != want {
		t.Errorf("capabilities = %v, want %v", r.Capabilities, want)
	}
	if r.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want default %d", r.MaxRetries, DefaultMaxRetries)
	}
	if len(r.Intervals) != 1 || r.Intervals[0] != time.Second {
		t.Errorf("Intervals = %v, want [1s]", r.Intervals)
	}
	if r.BackedOff {
		t.Error("BackedOff = true, want false")
	}
	if r.Window != DefaultFrequencyWindow || r.Occurrence != DefaultFrequencyOccurrence {
		t.Errorf("frequency = %v/%d, want defaults", r.Window, r.Occurrence)
	}
}

func TestParseRule_Fields(t *testing.T) {
	tests := []struct {
		name string
		in   string
		chk  func(t *testing.T, r *Rule)
	}{
		{
			name: "multiple capabilities and intervals",
			in:   "capabilities=internet|mms, retry_interval=2000|4000|8000, maximum_retries=5",
			chk: func(t *testing.T, r *Rule) {
				want := model.NewCapabilitySet(model.CapabilityInternet, model.CapabilityMMS)
				if r.Capabilities != want {
					t.Errorf("capabilities = %v, want %v", r.Capabilities, want)
				}
				if len(r.Intervals) != 3 || r.Intervals[2] != 8*time.Second {
					t.Errorf("Intervals = %v", r.Intervals)
				}
				if r.MaxRetries != 5 {
					t.Errorf("MaxRetries = %d, want 5", r.MaxRetries)
				}
			},
		},
		{
			name: "fail causes",
			in:   "fail_causes=8|27|28, maximum_retries=0",
			chk: func(t *testing.T, r *Rule) {
				for _, c := range []model.FailCause{model.FailCauseOperatorBarred, model.FailCauseMissingUnknownAPN, model.FailCauseUnknownPDPType} {
					if !r.FailCauses[c] {
						t.Errorf("FailCauses missing %v", c)
					}
				}
				if r.MaxRetries != 0 {
					t.Errorf("MaxRetries = %d, want 0", r.MaxRetries)
				}
			},
		},
		{
			name: "backoff flag",
			in:   "capabilities=internet, retry_interval=2500, backoff=true, maximum_retries=13",
			chk: func(t *testing.T, r *Rule) {
				if !r.BackedOff {
					t.Error("BackedOff = false, want true")
				}
			},
		},
		{
			name: "frequency window",
			in:   "capabilities=internet, frequency=3200|4",
			chk: func(t *testing.T, r *Rule) {
				if r.Window != 3200*time.Millisecond {
					t.Errorf("Window = %v, want 3.2s", r.Window)
				}
				if r.Occurrence != 4 {
					t.Errorf("Occurrence = %d, want 4", r.Occurrence)
				}
			},
		},
		{
			name: "malformed numerics fall back to defaults",
			in:   "capabilities=internet, maximum_retries=lots, retry_interval=soon, frequency=x|y",
			chk: func(t *testing.T, r *Rule) {
				if r.MaxRetries != DefaultMaxRetries {
					t.Errorf("MaxRetries = %d, want default", r.MaxRetries)
				}
				if len(r.Intervals) != 0 {
					t.Errorf("Intervals = %v, want empty", r.Intervals)
				}
				if r.Window != DefaultFrequencyWindow || r.Occurrence != DefaultFrequencyOccurrence {
					t.Errorf("frequency = %v/%d, want defaults", r.Window, r.Occurrence)
				}
			},
		},
		{
			name: "unknown keys ignored",
			in:   "capabilities=ims, color=blue, =, junk",
			chk: func(t *testing.T, r *Rule) {
				if r.Capabilities != model.NewCapabilitySet(model.CapabilityIMS) {
					t.Errorf("capabilities = %v", r.Capabilities)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.chk(t, ParseRule(tt.in))
		})
	}
}

func TestParseRules_DropsUnmatchable(t *testing.T) {
	rules := ParseRules([]string{
		"capabilities=internet, retry_interval=2000",
		"retry_interval=5000",
		"fail_causes=8, maximum_retries=0",
	})
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2 (unmatchable rule dropped)", len(rules))
	}
}

func TestRule_IntervalFor_LastValueSticky(t *testing.T) {
	r := ParseRule("capabilities=internet, retry_interval=1000|2000")
	for n, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 2 * time.Second, 10: 2 * time.Second} {
		if got := r.intervalFor(n); got != want {
			t.Errorf("intervalFor(%d) = %v, want %v", n, got, want)
		}
	}
}
