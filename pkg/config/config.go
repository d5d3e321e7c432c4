// Package config loads the stack configuration file. Carrier-supplied values
// (retry rules, recovery ladder tuning, auto-switch thresholds) are carried
// as plain strings/arrays here and parsed by their consuming components;
// malformed values degrade to documented defaults, never to load errors.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the yaml configuration file.
type Config struct {
	Log            LogConfig          `yaml:"log"`
	Diag           DiagConfig         `yaml:"diag"`
	ProfileStore   ProfileStoreConfig `yaml:"profile_store"`
	Slots          []SlotConfig       `yaml:"slots"`
	DefaultDataSub int                `yaml:"default_data_sub"`
	Carrier        CarrierConfig      `yaml:"carrier"`
	Switch         SwitchConfig       `yaml:"switch"`
	Profiles       []ProfileSeed      `yaml:"profiles"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DiagConfig controls the diagnostics/metrics HTTP server.
type DiagConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// ProfileStoreConfig selects where data profiles are loaded from.
type ProfileStoreConfig struct {
	Backend   string `yaml:"backend"` // "memory" or "redis"
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

// SlotConfig binds a physical modem slot to a subscription.
type SlotConfig struct {
	Slot  int `yaml:"slot"`
	SubID int `yaml:"sub_id"`
}

// CarrierConfig carries the externally supplied carrier policy for one
// subscription. The same block applies to all subscriptions unless a
// per-sub override is present.
type CarrierConfig struct {
	RetryRules []string `yaml:"retry_rules"`

	RecoveryDelaysMs    []int  `yaml:"recovery_delays_ms"`
	RecoverySkip        []bool `yaml:"recovery_skip"`
	RecoverySignalFloor int    `yaml:"recovery_signal_floor"`
	OffhookRetryMs      int    `yaml:"offhook_retry_ms"`

	AutoSwitch AutoSwitchConfig `yaml:"autoswitch"`

	CapabilityPriorities []string `yaml:"capability_priorities"`

	RoamingDataAllowed bool `yaml:"roaming_data_allowed"`
}

// AutoSwitchConfig tunes the automatic data-switch mechanism.
type AutoSwitchConfig struct {
	StabilityMs          int  `yaml:"stability_ms"`
	MaxValidationRetries int  `yaml:"max_validation_retries"`
	PingTestRequired     bool `yaml:"ping_test_required"`
}

// SwitchConfig tunes the device-wide preferred-data arbiter.
type SwitchConfig struct {
	EmergencyGraceMs   int      `yaml:"emergency_grace_ms"`
	EmergencyTimeoutMs int      `yaml:"emergency_timeout_ms"`
	DataDuringCall     bool     `yaml:"data_during_call"`
	ModemRetryMs       int      `yaml:"modem_retry_ms"`
	Precedence         []string `yaml:"precedence"`
}

// ProfileSeed is a data profile definition for the in-memory store (and for
// seeding redis in tests).
type ProfileSeed struct {
	Name              string `yaml:"name"`
	APN               string `yaml:"apn"`
	Protocol          string `yaml:"protocol"`
	AuthType          string `yaml:"auth_type"`
	Enabled           *bool  `yaml:"enabled"`
	ApnTypes          string `yaml:"apn_types"`
	NetworkTypes      string `yaml:"network_types"`
	EnterpriseID      int    `yaml:"enterprise_id"`
	TrafficDescriptor string `yaml:"traffic_descriptor"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log:  LogConfig{Level: "info", Format: "text"},
		Diag: DiagConfig{Addr: ":8780", Enabled: true},
		ProfileStore: ProfileStoreConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
		},
		Slots:          []SlotConfig{{Slot: 0, SubID: 1}},
		DefaultDataSub: 1,
		Carrier: CarrierConfig{
			RetryRules: []string{
				"capabilities=eims, retry_interval=1000, maximum_retries=20",
				"fail_causes=8|27|28|29|32, maximum_retries=0",
				"capabilities=mms|supl|cbs|xcap, retry_interval=2000",
				"capabilities=internet|enterprise|dun|ims|fota, retry_interval=2500, backoff=true, maximum_retries=13",
			},
			RecoveryDelaysMs:    []int{180000, 180000, 180000, 180000},
			RecoverySkip:        []bool{false, false, false, false},
			RecoverySignalFloor: 1,
			OffhookRetryMs:      10000,
			AutoSwitch: AutoSwitchConfig{
				StabilityMs:          10000,
				MaxValidationRetries: 7,
				PingTestRequired:     true,
			},
		},
		Switch: SwitchConfig{
			EmergencyGraceMs:   3000,
			EmergencyTimeoutMs: 30000,
			ModemRetryMs:       5000,
			Precedence:         []string{"emergency", "voice", "opportunistic", "autoswitch", "default"},
		},
	}
}

// Load reads a yaml file over the defaults. A missing file is an error; a
// file that omits sections keeps the defaults for them.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Dump renders the config back to yaml for diagnostics.
func (c *Config) Dump() string {
	d, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	return string(d)
}

// RecoveryDelays converts the millisecond array, padding short arrays with
// the last value so every recovery step has a delay.
func (c *CarrierConfig) RecoveryDelays(steps int) []time.Duration {
	out := make([]time.Duration, steps)
	last := 180 * time.Second
	for i := 0; i < steps; i++ {
		if i < len(c.RecoveryDelaysMs) && c.RecoveryDelaysMs[i] > 0 {
			last = time.Duration(c.RecoveryDelaysMs[i]) * time.Millisecond
		}
		out[i] = last
	}
	return out
}

// RecoverySkipFlags pads the skip array with false.
func (c *CarrierConfig) RecoverySkipFlags(steps int) []bool {
	out := make([]bool, steps)
	for i := 0; i < steps && i < len(c.RecoverySkip); i++ {
		out[i] = c.RecoverySkip[i]
	}
	return out
}

// SubForSlot returns the subscription bound to a slot, or -1.
func (c *Config) SubForSlot(slot int) int {
	for _, s := range c.Slots {
		if s.Slot == slot {
			return s.SubID
		}
	}
	return -1
}

// SlotForSub returns the slot carrying a subscription, or -1.
func (c *Config) SlotForSub(subID int) int {
	for _, s := range c.Slots {
		if s.SubID == subID {
			return s.Slot
		}
	}
	return -1
}
