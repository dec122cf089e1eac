package domain

import (
	"slices"
	"time"
)

// Status is the billing lifecycle state of a subscription.
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusUnpaid     Status = "unpaid"
)

// ParseStatus maps a provider status string onto Status.
// incomplete_expired is terminal upstream and is folded into canceled; paused grants nothing and maps to unpaid.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "incomplete", "trialing", "active", "past_due", "canceled", "unpaid":
		return Status(s), true
	case "incomplete_expired":
		return StatusCanceled, true
	case "paused":
		return StatusUnpaid, true
	default:
		return "", false
	}
}

// Entitling reports whether the status grants the paid feature.
// past_due keeps access while the provider retries the charge.
func (s Status) Entitling() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}

// Transitional reports whether the status is expected to progress on its own.
func (s Status) Transitional() bool {
	return s == StatusIncomplete || s == StatusPastDue
}

// SubscriptionRecord is the canonical entitlement document, one per user.
// All timestamps are epoch milliseconds.
type SubscriptionRecord struct {
	SubscriptionID     string `json:"subscriptionId"`
	CustomerID         string `json:"customerId"`
	Status             Status `json:"status"`
	PriceID            string `json:"priceId"`
	CurrentPeriodStart int64  `json:"currentPeriodStart"`
	CurrentPeriodEnd   int64  `json:"currentPeriodEnd"`
	CancelAtPeriodEnd  bool   `json:"cancelAtPeriodEnd"`
	CanceledAt         *int64 `json:"canceledAt,omitempty"`

	FreeWorkoutsUsed int `json:"freeWorkoutsUsed"`
	FreeWorkoutLimit int `json:"freeWorkoutLimit"`
	WorkoutCount     int `json:"workoutCount"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`

	// LastEventAt is the provider timestamp of the newest payload applied to the current lineage.
	LastEventAt             int64    `json:"lastEventAt,omitempty"`
	PreviousSubscriptionIDs []string `json:"previousSubscriptionIds,omitempty"`
	FallbackMode            bool     `json:"fallbackMode,omitempty"`
}

// Clone returns a deep copy.
func (r *SubscriptionRecord) Clone() *SubscriptionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.CanceledAt != nil {
		v := *r.CanceledAt
		cp.CanceledAt = &v
	}
	cp.PreviousSubscriptionIDs = slices.Clone(r.PreviousSubscriptionIDs)
	return &cp
}

// DefaultRecord is the conservative fallback: no paid entitlement, zero usage.
func DefaultRecord(freeWorkoutLimit int, now int64) *SubscriptionRecord {
	return &SubscriptionRecord{
		Status:           StatusIncomplete,
		FreeWorkoutLimit: freeWorkoutLimit,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	SubscriptionID     *string
	CustomerID         *string
	Status             *Status
	PriceID            *string
	CurrentPeriodStart *int64
	CurrentPeriodEnd   *int64
	CancelAtPeriodEnd  *bool
	CanceledAt         *int64

	FreeWorkoutsUsed *int
	FreeWorkoutLimit *int
	WorkoutCount     *int
	// ResetFreeUsage is the administrative reset; it is the only way usage goes down.
	ResetFreeUsage bool

	FallbackMode *bool

	// EventAt is the provider timestamp of the payload (epoch ms). Zero means unordered.
	EventAt int64
}

func (p Patch) touchesLineage() bool {
	return p.SubscriptionID != nil || p.CustomerID != nil || p.Status != nil || p.PriceID != nil ||
		p.CurrentPeriodStart != nil || p.CurrentPeriodEnd != nil || p.CancelAtPeriodEnd != nil ||
		p.CanceledAt != nil
}

// ApplyPatch merges p into current and returns the new record. It is pure and
// every canonical store applies it, so replays and reorderings converge.
// The second return reports whether subscription fields were applied; false
// means the patch was stale or addressed a closed lineage.
func ApplyPatch(current *SubscriptionRecord, p Patch, now int64) (*SubscriptionRecord, bool) {
	var rec *SubscriptionRecord
	if current == nil {
		rec = &SubscriptionRecord{Status: StatusIncomplete, CreatedAt: now}
	} else {
		rec = current.Clone()
	}

	applied := false
	if p.touchesLineage() {
		applied = applyLineage(rec, p, now)
	}

	if p.ResetFreeUsage {
		rec.FreeWorkoutsUsed = 0
	}
	if p.FreeWorkoutsUsed != nil && *p.FreeWorkoutsUsed > rec.FreeWorkoutsUsed {
		rec.FreeWorkoutsUsed = *p.FreeWorkoutsUsed
	}
	if p.WorkoutCount != nil && *p.WorkoutCount > rec.WorkoutCount {
		rec.WorkoutCount = *p.WorkoutCount
	}
	if p.FreeWorkoutLimit != nil {
		rec.FreeWorkoutLimit = *p.FreeWorkoutLimit
	}
	if p.FallbackMode != nil {
		rec.FallbackMode = *p.FallbackMode
	}

	if now > rec.UpdatedAt {
		rec.UpdatedAt = now
	}
	return rec, applied
}

func applyLineage(rec *SubscriptionRecord, p Patch, now int64) bool {
	subID := rec.SubscriptionID
	if p.SubscriptionID != nil && *p.SubscriptionID != "" {
		subID = *p.SubscriptionID
	}

	switch {
	case rec.SubscriptionID != "" && subID != rec.SubscriptionID:
		if slices.Contains(rec.PreviousSubscriptionIDs, subID) {
			return false
		}
		if rec.Status != StatusCanceled && p.EventAt != 0 && p.EventAt < rec.LastEventAt {
			return false
		}
		rec.PreviousSubscriptionIDs = append(rec.PreviousSubscriptionIDs, rec.SubscriptionID)
		resetLineage(rec, subID, now)
	case p.EventAt != 0 && p.EventAt < rec.LastEventAt:
		return false
	default:
		rec.SubscriptionID = subID
	}

	if p.CustomerID != nil {
		rec.CustomerID = *p.CustomerID
	}
	if p.PriceID != nil {
		rec.PriceID = *p.PriceID
	}
	if p.CurrentPeriodStart != nil {
		rec.CurrentPeriodStart = *p.CurrentPeriodStart
	}
	if p.CurrentPeriodEnd != nil {
		rec.CurrentPeriodEnd = *p.CurrentPeriodEnd
	}
	if p.CancelAtPeriodEnd != nil {
		rec.CancelAtPeriodEnd = *p.CancelAtPeriodEnd
	}
	if p.Status != nil && rec.Status != StatusCanceled {
		rec.Status = *p.Status
	}

	if rec.Status == StatusCanceled {
		if rec.CanceledAt == nil {
			at := now
			if p.CanceledAt != nil {
				at = *p.CanceledAt
			}
			rec.CanceledAt = &at
		}
	} else {
		rec.CanceledAt = nil
	}

	if p.EventAt > rec.LastEventAt {
		rec.LastEventAt = p.EventAt
	}
	return true
}

func resetLineage(rec *SubscriptionRecord, subID string, now int64) {
	rec.SubscriptionID = subID
	rec.CustomerID = ""
	rec.Status = StatusIncomplete
	rec.PriceID = ""
	rec.CurrentPeriodStart = 0
	rec.CurrentPeriodEnd = 0
	rec.CancelAtPeriodEnd = false
	rec.CanceledAt = nil
	rec.LastEventAt = 0
	rec.CreatedAt = now
}

// Entitlement is the derived view the application consumes.
type Entitlement struct {
	Paid                  bool   `json:"paid"`
	Plan                  string `json:"plan"`
	Status                Status `json:"status"`
	FreeWorkoutsRemaining int    `json:"freeWorkoutsRemaining"`
}

// DeriveEntitlement computes the entitlement for a record. A nil record
// yields the free tier with no remaining workouts.
func DeriveEntitlement(r *SubscriptionRecord, plans *PlanCatalog) Entitlement {
	if r == nil {
		return Entitlement{Plan: PlanFree, Status: StatusIncomplete}
	}
	e := Entitlement{Status: r.Status, Plan: PlanFree}
	if r.Status.Entitling() {
		e.Paid = true
		e.Plan = plans.ForPrice(r.PriceID).ID
	}
	if remaining := r.FreeWorkoutLimit - r.FreeWorkoutsUsed; remaining > 0 {
		e.FreeWorkoutsRemaining = remaining
	}
	return e
}

// Millis converts t to epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// UserRecord pairs a canonical record with the user that owns it.
type UserRecord struct {
	UserID string              `json:"userId"`
	Record *SubscriptionRecord `json:"record"`
}
