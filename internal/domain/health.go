package domain

import "time"

// WebhookEvent is one provider delivery sample used by the health monitor.
type WebhookEvent struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Created      time.Time      `json:"created"`
	Delivered    bool           `json:"delivered"`
	DeliveryTime *time.Duration `json:"deliveryTime,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// RecommendedAction is ordered by severity.
type RecommendedAction string

const (
	ActionNone               RecommendedAction = "none"
	ActionMonitor            RecommendedAction = "monitor"
	ActionFallback           RecommendedAction = "fallback"
	ActionManualIntervention RecommendedAction = "manual_intervention"
)

// Severity returns the rank of the action, higher is worse.
func (a RecommendedAction) Severity() int {
	switch a {
	case ActionMonitor:
		return 1
	case ActionFallback:
		return 2
	case ActionManualIntervention:
		return 3
	default:
		return 0
	}
}

// HealthStatus is the outcome of one webhook delivery health check.
type HealthStatus struct {
	IsHealthy            bool              `json:"isHealthy"`
	LastSuccessfulEvent  *time.Time        `json:"lastSuccessfulEvent,omitempty"`
	FailedEventCount     int               `json:"failedEventCount"`
	SuccessfulEventCount int               `json:"successfulEventCount"`
	AverageDeliveryTime  int64             `json:"averageDeliveryTime"` // milliseconds
	RecommendedAction    RecommendedAction `json:"recommendedAction"`
	FallbackMode         bool              `json:"fallbackMode"`
	LastChecked          time.Time         `json:"lastChecked"`
}

// Delivery is one row of the webhook delivery ledger.
type Delivery struct {
	EventID    string    `json:"eventId"`
	EventType  string    `json:"eventType"`
	Created    time.Time `json:"created"`
	ReceivedAt time.Time `json:"receivedAt"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
}
