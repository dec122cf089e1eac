package domain

import "time"

// Source tags which tier of the fallback chain produced a record.
type Source string

const (
	SourceCanonical       Source = "canonical"
	SourceBillingProvider Source = "billing-provider"
	SourceLocalFallback   Source = "local-fallback"
	SourceDefault         Source = "default"
)

// CacheEntry is the client-side view of one user's record.
// Entries are invalidated by age; refreshes replace them wholesale.
type CacheEntry struct {
	Data      *SubscriptionRecord `json:"data"`
	Timestamp time.Time           `json:"timestamp"`
	Source    Source              `json:"source"`
}

// Valid reports whether the entry is still inside the cache timeout.
func (e *CacheEntry) Valid(now time.Time, timeout time.Duration) bool {
	if e == nil {
		return false
	}
	return now.Sub(e.Timestamp) < timeout
}
