package domain

// Plan IDs.
const (
	PlanFree    = "free"
	PlanMonthly = "premium_monthly"
	PlanAnnual  = "premium_annual"
)

// Plan describes a purchasable tier of the workout product.
type Plan struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PriceID  string `json:"priceId,omitempty"` // billing provider price object
	PriceUSD int    `json:"priceUsd"`          // cents per interval
	Interval string `json:"interval,omitempty"`
	Popular  bool   `json:"popular"`
}

// PlanCatalog maps billing provider price IDs to plans.
type PlanCatalog struct {
	plans []Plan
}

// NewPlanCatalog builds the catalogue. Price IDs come from configuration
// because they differ between provider test and live mode.
func NewPlanCatalog(monthlyPriceID, annualPriceID string) *PlanCatalog {
	return &PlanCatalog{plans: []Plan{
		{
			ID:       PlanFree,
			Name:     "Free",
			PriceUSD: 0,
		},
		{
			ID:       PlanMonthly,
			Name:     "Premium Monthly",
			PriceID:  monthlyPriceID,
			PriceUSD: 999, // $9.99/mo
			Interval: "month",
			Popular:  true,
		},
		{
			ID:       PlanAnnual,
			Name:     "Premium Annual",
			PriceID:  annualPriceID,
			PriceUSD: 7999, // $79.99/yr
			Interval: "year",
		},
	}}
}

// All returns every plan in display order.
func (c *PlanCatalog) All() []Plan {
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

// ForPrice returns the paid plan for a price ID. Unknown price IDs still
// belong to a paying subscription, so they resolve to the monthly plan.
func (c *PlanCatalog) ForPrice(priceID string) Plan {
	if c == nil {
		return Plan{ID: PlanMonthly}
	}
	for _, p := range c.plans {
		if p.PriceID != "" && p.PriceID == priceID {
			return p
		}
	}
	for _, p := range c.plans {
		if p.ID == PlanMonthly {
			return p
		}
	}
	return Plan{ID: PlanMonthly}
}
