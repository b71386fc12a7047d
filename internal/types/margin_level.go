package types

import (
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
)

const uncappedLiteral = "uncapped"

// MarginLevel is equity/marginUsed*100, or the uncapped sentinel when no margin is in use.
// The sentinel compares greater than every finite level.
type MarginLevel struct {
	Value    decimal.Decimal
	Uncapped bool
}

func UncappedMarginLevel() MarginLevel {
	return MarginLevel{Uncapped: true}
}

func FiniteMarginLevel(v decimal.Decimal) MarginLevel {
	return MarginLevel{Value: v}
}

// Below reports whether the level is strictly under threshold.
func (m MarginLevel) Below(threshold decimal.Decimal) bool {
	if m.Uncapped {
		return false
	}
	return m.Value.LessThan(threshold)
}

func (m MarginLevel) Equal(o MarginLevel) bool {
	if m.Uncapped || o.Uncapped {
		return m.Uncapped == o.Uncapped
	}
	return m.Value.Equal(o.Value)
}

func (m MarginLevel) String() string {
	if m.Uncapped {
		return uncappedLiteral
	}
	return m.Value.StringFixed(4)
}

func (m MarginLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *MarginLevel) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return m.parse(raw)
}

// ParseMarginLevel accepts the output of String.
func ParseMarginLevel(raw string) (MarginLevel, error) {
	var m MarginLevel
	err := m.parse(raw)
	return m, err
}

func (m *MarginLevel) parse(raw string) error {
	if raw == uncappedLiteral {
		*m = UncappedMarginLevel()
		return nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return errors.New("invalid margin level: " + raw)
	}
	*m = FiniteMarginLevel(v)
	return nil
}
