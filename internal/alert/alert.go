package alert

import "time"

// Level orders alert severity. Emergency alerts block the affected bot from
// starting until an operator acknowledges them.
type Level string

const (
	LevelInfo      Level = "info"
	LevelWarning   Level = "warning"
	LevelCritical  Level = "critical"
	LevelEmergency Level = "emergency"
)

func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelWarning, LevelCritical, LevelEmergency:
		return true
	}
	return false
}

// rank supports ordering comparisons; unknown levels sort lowest.
func (l Level) rank() int {
	switch l {
	case LevelInfo:
		return 1
	case LevelWarning:
		return 2
	case LevelCritical:
		return 3
	case LevelEmergency:
		return 4
	}
	return 0
}

// AtLeast reports whether l is at least as severe as other.
func (l Level) AtLeast(other Level) bool { return l.rank() >= other.rank() }

// Well-known alert types. Type is an open string so callers can add their
// own without touching this package.
const (
	TypeDailyLossLimit = "daily_loss_limit"
	TypeDrawdownLimit  = "drawdown_limit"
	TypeLossStreak     = "loss_streak"
	TypeRiskEscalation = "risk_escalation"
	TypeOrderRejected  = "order_rejected"
	TypeExchangeError  = "exchange_error"
	TypeBotError       = "bot_error"
	TypeBotLifecycle   = "bot_lifecycle"
)

// Alert is one operator-facing event. BotID is empty for fleet-wide alerts.
type Alert struct {
	ID             string     `json:"id"`
	BotID          string     `json:"bot_id,omitempty"`
	Type           string     `json:"type"`
	Level          Level      `json:"level"`
	Message        string     `json:"message"`
	CreatedAt      time.Time  `json:"created_at"`
	RepeatCount    int        `json:"repeat_count"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	BotID    string
	Type     string
	MinLevel Level
	// Unacked restricts to alerts that have not been acknowledged.
	Unacked bool
	Limit   int
}
