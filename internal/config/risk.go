package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"lv-margin/internal/marketdata"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultProfile names the profile used by accounts without one.
const DefaultProfile = "standard"

type RiskFile struct {
	Execution   ExecutionConfig          `yaml:"execution"`
	Liquidation LiquidationConfig        `yaml:"liquidation"`
	Profiles    map[string]ProfileConfig `yaml:"profiles"`
	Instruments []InstrumentConfig       `yaml:"instruments"`
}

type ExecutionConfig struct {
	Slippage       float64       `yaml:"slippage"`
	CommissionRate float64       `yaml:"commission_rate"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	RateBurst      int           `yaml:"rate_burst"`
	MaxQuoteAge    time.Duration `yaml:"max_quote_age"`
}

type LiquidationConfig struct {
	BaseSlippage       float64 `yaml:"base_slippage"`
	SlippageMultiplier float64 `yaml:"slippage_multiplier"`
}

// ProfileConfig holds margin level thresholds in percent.
type ProfileConfig struct {
	WarningLevel    float64 `yaml:"warning_level"`
	MarginCallLevel float64 `yaml:"margin_call_level"`
	UrgentLevel     float64 `yaml:"urgent_level"`
	StopOutLevel    float64 `yaml:"stop_out_level"`
}

type InstrumentConfig struct {
	Symbol             string  `yaml:"symbol"`
	MinQty             float64 `yaml:"min_qty"`
	MaxQty             float64 `yaml:"max_qty"`
	ContractMultiplier float64 `yaml:"contract_multiplier"`
	MaxLeverage        int     `yaml:"max_leverage"`
	Status             string  `yaml:"status"`
	// DemoPrice seeds the synthetic feed in development. Zero leaves the symbol out.
	DemoPrice float64 `yaml:"demo_price"`
}

func DefaultRiskFile() RiskFile {
	return RiskFile{
		Execution: ExecutionConfig{
			Slippage:       0.0005,
			CommissionRate: 0.0001,
			RatePerSecond:  5,
			RateBurst:      10,
			MaxQuoteAge:    30 * time.Second,
		},
		Liquidation: LiquidationConfig{
			BaseSlippage:       0.0005,
			SlippageMultiplier: 1.5,
		},
		Profiles: map[string]ProfileConfig{
			DefaultProfile: {WarningLevel: 150, MarginCallLevel: 100, UrgentLevel: 75, StopOutLevel: 50},
		},
		Instruments: []InstrumentConfig{
			{Symbol: "BTCUSD", MinQty: 0.001, MaxQty: 100, ContractMultiplier: 1, MaxLeverage: 50, Status: "active", DemoPrice: 60000},
			{Symbol: "ETHUSD", MinQty: 0.01, MaxQty: 1000, ContractMultiplier: 1, MaxLeverage: 50, Status: "active", DemoPrice: 3000},
			{Symbol: "EURUSD", MinQty: 0.01, MaxQty: 100, ContractMultiplier: 100000, MaxLeverage: 100, Status: "active", DemoPrice: 1.08},
		},
	}
}

// LoadRiskFile reads path over the defaults. An empty path or a missing file yields the defaults.
func LoadRiskFile(path string) (RiskFile, error) {
	rf := DefaultRiskFile()
	if path == "" {
		return rf, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return rf, nil
	}
	if err != nil {
		return rf, err
	}
	var parsed RiskFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return rf, fmt.Errorf("parse %s: %w", path, err)
	}
	merge(&rf, parsed)
	if err := rf.Validate(); err != nil {
		return rf, fmt.Errorf("%s: %w", path, err)
	}
	return rf, nil
}

func merge(dst *RiskFile, src RiskFile) {
	e := src.Execution
	if e.Slippage > 0 {
		dst.Execution.Slippage = e.Slippage
		dst.Liquidation.BaseSlippage = e.Slippage
	}
	if e.CommissionRate > 0 {
		dst.Execution.CommissionRate = e.CommissionRate
	}
	if e.RatePerSecond > 0 {
		dst.Execution.RatePerSecond = e.RatePerSecond
	}
	if e.RateBurst > 0 {
		dst.Execution.RateBurst = e.RateBurst
	}
	if e.MaxQuoteAge > 0 {
		dst.Execution.MaxQuoteAge = e.MaxQuoteAge
	}
	if src.Liquidation.BaseSlippage > 0 {
		dst.Liquidation.BaseSlippage = src.Liquidation.BaseSlippage
	}
	if src.Liquidation.SlippageMultiplier > 0 {
		dst.Liquidation.SlippageMultiplier = src.Liquidation.SlippageMultiplier
	}
	for name, p := range src.Profiles {
		dst.Profiles[name] = p
	}
	if len(src.Instruments) > 0 {
		dst.Instruments = src.Instruments
	}
}

func (rf RiskFile) Validate() error {
	if rf.Execution.Slippage < 0 || rf.Execution.Slippage >= 1 {
		return errors.New("execution.slippage must be in [0,1)")
	}
	if rf.Execution.CommissionRate < 0 || rf.Execution.CommissionRate >= 1 {
		return errors.New("execution.commission_rate must be in [0,1)")
	}
	if rf.Liquidation.SlippageMultiplier < 1 {
		return errors.New("liquidation.slippage_multiplier must be >= 1")
	}
	if rf.Liquidation.BaseSlippage*rf.Liquidation.SlippageMultiplier >= 1 {
		return errors.New("liquidation slippage must be below 1")
	}
	if _, ok := rf.Profiles[DefaultProfile]; !ok {
		return fmt.Errorf("profile %q is required", DefaultProfile)
	}
	for name, p := range rf.Profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile %q: %w", name, err)
		}
	}
	seen := map[string]bool{}
	for _, in := range rf.Instruments {
		if in.Symbol == "" {
			return errors.New("instrument symbol is required")
		}
		if seen[in.Symbol] {
			return fmt.Errorf("duplicate instrument %s", in.Symbol)
		}
		seen[in.Symbol] = true
		if in.MinQty <= 0 || in.MaxQty < in.MinQty {
			return fmt.Errorf("instrument %s: invalid quantity range", in.Symbol)
		}
		if in.MaxLeverage <= 0 {
			return fmt.Errorf("instrument %s: max_leverage must be positive", in.Symbol)
		}
	}
	return nil
}

func (p ProfileConfig) Validate() error {
	if p.StopOutLevel <= 0 {
		return errors.New("stop_out_level must be positive")
	}
	if !(p.StopOutLevel < p.UrgentLevel && p.UrgentLevel <= p.MarginCallLevel && p.MarginCallLevel < p.WarningLevel) {
		return errors.New("levels must satisfy stop_out < urgent <= margin_call < warning")
	}
	return nil
}

// CatalogInstruments converts the configured instruments for marketdata.NewStaticCatalog.
func (rf RiskFile) CatalogInstruments() []marketdata.Instrument {
	out := make([]marketdata.Instrument, 0, len(rf.Instruments))
	for _, in := range rf.Instruments {
		mult := in.ContractMultiplier
		if mult <= 0 {
			mult = 1
		}
		status := in.Status
		if status == "" {
			status = marketdata.InstrumentActive
		}
		out = append(out, marketdata.Instrument{
			Symbol:             in.Symbol,
			MinQty:             decimal.NewFromFloat(in.MinQty),
			MaxQty:             decimal.NewFromFloat(in.MaxQty),
			ContractMultiplier: decimal.NewFromFloat(mult),
			MaxLeverage:        in.MaxLeverage,
			Status:             status,
		})
	}
	return out
}

func (rf RiskFile) DemoPrices() map[string]float64 {
	out := make(map[string]float64)
	for _, in := range rf.Instruments {
		if in.DemoPrice > 0 {
			out[in.Symbol] = in.DemoPrice
		}
	}
	return out
}
