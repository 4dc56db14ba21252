// Package plans maps gateway prices to subscription tiers and tiers to their limits.
package plans

import (
	"fmt"
	"sort"
	"strings"
)

// Tier is a subscription tier.
type Tier string

const (
	Free    Tier = "free"
	Premium Tier = "premium"
	Pro     Tier = "pro"
)

// Limits defines what a tier allows. -1 means unlimited.
type Limits struct {
	Plugins         int  `json:"plugins"`
	BuildsPerPeriod int  `json:"builds_per_period"`
	MaxQueued       int  `json:"max_queued"`
	MaxEvents       int  `json:"max_events"`
	MaxActions      int  `json:"max_actions"`
	Watermark       bool `json:"watermark"`
	APIAccess       bool `json:"api_access"`
	TeamMembers     int  `json:"team_members"`
}

var tierLimits = map[Tier]Limits{
	Free:    {Plugins: 1, BuildsPerPeriod: 1, MaxQueued: 2, MaxEvents: 4, MaxActions: 8, Watermark: true},
	Premium: {Plugins: -1, BuildsPerPeriod: 5, MaxQueued: 3, MaxEvents: 20, MaxActions: 50},
	Pro:     {Plugins: -1, BuildsPerPeriod: 20, MaxQueued: 5, MaxEvents: -1, MaxActions: -1, APIAccess: true, TeamMembers: 5},
}

// Normalize maps unknown or empty tier names to Free.
func Normalize(tier string) Tier {
	switch t := Tier(strings.ToLower(strings.TrimSpace(tier))); t {
	case Premium, Pro:
		return t
	default:
		return Free
	}
}

// Rank orders tiers: free < premium < pro.
func Rank(t Tier) int {
	switch Normalize(string(t)) {
	case Pro:
		return 2
	case Premium:
		return 1
	default:
		return 0
	}
}

// LimitsFor returns the limits of t, defaulting to Free.
func LimitsFor(t Tier) Limits {
	return tierLimits[Normalize(string(t))]
}

// Entitling reports whether a subscription status grants the paid tier.
func Entitling(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing", "past_due":
		return true
	default:
		return false
	}
}

// Catalog maps gateway price ids to tiers.
type Catalog struct {
	byPrice map[string]Tier
}

// NewCatalog builds a catalog from tier -> price ids. Only paid tiers may carry prices
// and a price id may belong to one tier only.
func NewCatalog(prices map[string][]string) (*Catalog, error) {
	c := &Catalog{byPrice: make(map[string]Tier)}
	for name, ids := range prices {
		tier := Normalize(name)
		if tier == Free || string(tier) != strings.ToLower(strings.TrimSpace(name)) {
			return nil, fmt.Errorf("plans: %q is not a paid tier", name)
		}
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				return nil, fmt.Errorf("plans: empty price id for tier %s", tier)
			}
			if prev, ok := c.byPrice[id]; ok && prev != tier {
				return nil, fmt.Errorf("plans: price %s mapped to both %s and %s", id, prev, tier)
			}
			c.byPrice[id] = tier
		}
	}
	return c, nil
}

// TierForPrice returns the tier of priceID and whether it is known.
func (c *Catalog) TierForPrice(priceID string) (Tier, bool) {
	t, ok := c.byPrice[priceID]
	return t, ok
}

// Allowed reports whether priceID may be used for checkout.
func (c *Catalog) Allowed(priceID string) bool {
	_, ok := c.byPrice[priceID]
	return ok
}

// PriceIDs returns every known price id, sorted.
func (c *Catalog) PriceIDs() []string {
	out := make([]string, 0, len(c.byPrice))
	for id := range c.byPrice {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
