// Package margin classifies account risk and tracks margin calls across monitor passes.
package margin

import (
	"errors"
	"fmt"

	"lv-margin/internal/config"
	"lv-margin/internal/types"

	"github.com/shopspring/decimal"
)

// Threshold names reported in violatedThresholds.
const (
	ThresholdWarning    = "warning_level"
	ThresholdMarginCall = "margin_call_level"
	ThresholdUrgent     = "urgent_level"
	ThresholdStopOut    = "stop_out_level"
)

// Thresholds are margin levels in percent.
type Thresholds struct {
	Warning    decimal.Decimal `json:"warning_level"`
	MarginCall decimal.Decimal `json:"margin_call_level"`
	Urgent     decimal.Decimal `json:"urgent_level"`
	StopOut    decimal.Decimal `json:"stop_out_level"`
}

func ThresholdsFromConfig(p config.ProfileConfig) Thresholds {
	return Thresholds{
		Warning:    decimal.NewFromFloat(p.WarningLevel),
		MarginCall: decimal.NewFromFloat(p.MarginCallLevel),
		Urgent:     decimal.NewFromFloat(p.UrgentLevel),
		StopOut:    decimal.NewFromFloat(p.StopOutLevel),
	}
}

func (t Thresholds) Validate() error {
	if !t.StopOut.GreaterThan(decimal.Zero) {
		return errors.New("stop out level must be positive")
	}
	if !(t.StopOut.LessThan(t.Urgent) && t.Urgent.LessThanOrEqual(t.MarginCall) && t.MarginCall.LessThan(t.Warning)) {
		return errors.New("levels must satisfy stop_out < urgent <= margin_call < warning")
	}
	return nil
}

// Profiles resolves an account's risk profile name to its thresholds.
type Profiles struct {
	byName map[string]Thresholds
	def    Thresholds
}

func NewProfiles(byName map[string]Thresholds) (*Profiles, error) {
	def, ok := byName[config.DefaultProfile]
	if !ok {
		return nil, fmt.Errorf("profile %q is required", config.DefaultProfile)
	}
	out := &Profiles{byName: make(map[string]Thresholds, len(byName)), def: def}
	for name, th := range byName {
		if err := th.Validate(); err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		out.byName[name] = th
	}
	return out, nil
}

// ProfilesFromConfig builds Profiles from the risk file.
func ProfilesFromConfig(rf config.RiskFile) (*Profiles, error) {
	m := make(map[string]Thresholds, len(rf.Profiles))
	for name, p := range rf.Profiles {
		m[name] = ThresholdsFromConfig(p)
	}
	return NewProfiles(m)
}

// For returns the named profile, falling back to the default one.
func (p *Profiles) For(name string) Thresholds {
	if th, ok := p.byName[name]; ok {
		return th
	}
	return p.def
}

// Classify maps a margin level to a severity and lists every threshold it is below.
// The uncapped level is always SAFE.
func Classify(level types.MarginLevel, th Thresholds) (types.Severity, []string) {
	violated := make([]string, 0, 4)
	if level.Uncapped {
		return types.SeveritySafe, violated
	}
	for _, c := range []struct {
		name  string
		value decimal.Decimal
	}{
		{ThresholdWarning, th.Warning},
		{ThresholdMarginCall, th.MarginCall},
		{ThresholdUrgent, th.Urgent},
		{ThresholdStopOut, th.StopOut},
	} {
		if level.Below(c.value) {
			violated = append(violated, c.name)
		}
	}
	switch {
	case level.Below(th.StopOut):
		return types.SeverityCritical, violated
	case level.Below(th.Urgent):
		return types.SeverityUrgent, violated
	case level.Below(th.MarginCall):
		return types.SeverityStandard, violated
	case level.Below(th.Warning):
		return types.SeverityWarning, violated
	}
	return types.SeveritySafe, violated
}
