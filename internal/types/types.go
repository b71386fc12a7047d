package types

type OrderSide string

type OrderType string

type OrderStatus string

type PositionSide string

type PositionStatus string

type AccountStatus string

type LedgerEntryType string

type Severity string

type MarginCallStatus string

type LiquidationStatus string

type CloseReason string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusClosed    AccountStatus = "closed"
)

const (
	LedgerEntryTypeDeposit     LedgerEntryType = "deposit"
	LedgerEntryTypeCommission  LedgerEntryType = "commission"
	LedgerEntryTypeRealizedPnL LedgerEntryType = "realized_pnl"
	LedgerEntryTypeLiquidation LedgerEntryType = "liquidation"
)

// Severities are ordered; see Rank.
const (
	SeveritySafe     Severity = "SAFE"
	SeverityWarning  Severity = "WARNING"
	SeverityStandard Severity = "STANDARD"
	SeverityUrgent   Severity = "URGENT"
	SeverityCritical Severity = "CRITICAL"
)

const (
	MarginCallStatusPending   MarginCallStatus = "pending"
	MarginCallStatusNotified  MarginCallStatus = "notified"
	MarginCallStatusEscalated MarginCallStatus = "escalated"
	MarginCallStatusResolved  MarginCallStatus = "resolved"
)

const (
	LiquidationStatusInitiated  LiquidationStatus = "initiated"
	LiquidationStatusProcessing LiquidationStatus = "processing"
	LiquidationStatusCompleted  LiquidationStatus = "completed"
	LiquidationStatusPartial    LiquidationStatus = "partial"
)

const (
	CloseReasonUser        CloseReason = "user"
	CloseReasonLiquidation CloseReason = "liquidation"
)

// Rank orders severities from SAFE (0) to CRITICAL (4). Unknown values rank as SAFE.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityStandard:
		return 2
	case SeverityUrgent:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// SeverityByRank is the inverse of Rank.
func SeverityByRank(rank int) Severity {
	switch rank {
	case 1:
		return SeverityWarning
	case 2:
		return SeverityStandard
	case 3:
		return SeverityUrgent
	case 4:
		return SeverityCritical
	default:
		return SeveritySafe
	}
}

// Terminal reports whether a liquidation in this status may no longer change.
func (s LiquidationStatus) Terminal() bool {
	return s == LiquidationStatusCompleted || s == LiquidationStatusPartial
}

// Opposite returns the order side that reduces a position on this side.
func (s PositionSide) Opposite() OrderSide {
	if s == PositionSideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// PositionSideFor maps the opening order side to the resulting position side.
func PositionSideFor(side OrderSide) PositionSide {
	if side == OrderSideSell {
		return PositionSideShort
	}
	return PositionSideLong
}
