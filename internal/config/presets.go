package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DelayPreset configures the request governor.
type DelayPreset struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// RequestsPerHour of zero leaves the rolling window unbounded.
	RequestsPerHour int
}

// DelayPresets are the named governor aggressiveness levels.
var DelayPresets = map[string]DelayPreset{
	"cautious":   {BaseDelay: 3 * time.Second, MaxDelay: 15 * time.Second, RequestsPerHour: 50},
	"normal":     {BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second, RequestsPerHour: 100},
	"aggressive": {BaseDelay: 1 * time.Second, MaxDelay: 5 * time.Second, RequestsPerHour: 200},
	"unlimited":  {BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second},
}

// Delay resolves limits.delay_preset, falling back to "normal".
func (c *Config) Delay() DelayPreset {
	if p, ok := DelayPresets[c.Limits.DelayPreset]; ok {
		return p
	}
	return DelayPresets["normal"]
}

// LimitPresets are the named account usage levels. Zero means unlimited.
var LimitPresets = map[string]LimitsConfig{
	"minimum": {
		MaxAccounts: 1, MaxGroupsPerAccount: 5, MaxMessagesPerDay: 50,
		DelayMin: 3, DelayMax: 7, DelayPreset: "cautious",
	},
	"standard": {
		MaxAccounts: 3, MaxGroupsPerAccount: 15, MaxMessagesPerDay: 100,
		DelayMin: 2, DelayMax: 5, DelayPreset: "normal",
	},
	"maximum": {
		MaxAccounts: 5, MaxGroupsPerAccount: 30, MaxMessagesPerDay: 150,
		DelayMin: 1, DelayMax: 3, DelayPreset: "aggressive",
	},
	"unlimited": {
		DelayMin: 2, DelayMax: 10, DelayPreset: "unlimited",
	},
}

// ApplyLimitPreset replaces the limits section with the named preset.
func (c *Config) ApplyLimitPreset(name string) error {
	p, ok := LimitPresets[name]
	if !ok {
		return fmt.Errorf("%w: unknown limits preset %q", ErrConfigInvalid, name)
	}
	p.Preset = name
	c.Limits = p
	return nil
}

// FlexInt accepts a JSON number or a numeric string.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
		if s == "" {
			*f = 0
			return nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("api_id must be an integer, got %s", data)
	}
	*f = FlexInt(n)
	return nil
}
