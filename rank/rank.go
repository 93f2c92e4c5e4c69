// Package rank maps cumulative completed-deal counts onto marketplace tiers.
// The tables are static; selection is the highest tier whose threshold does
// not exceed the participant's deal count.
package rank

import "github.com/shopspring/decimal"

// ParticipantClass selects which tier table applies.
type ParticipantClass string

const (
	ClassSeller ParticipantClass = "seller"
	ClassEscrow ParticipantClass = "escrow"
)

// Tier is one immutable row of a rank table.
type Tier struct {
	Name     string
	MinDeals int64
	// FeeBps is the fee rate attached to the tier, in basis points of the
	// transaction amount. Seller tiers carry no fee and hold zero here.
	FeeBps uint32
	// FeePerDeal is a flat per-deal figure shown on escrow agent badges.
	// It is display metadata only and never enters ledger math.
	FeePerDeal decimal.Decimal
}

var sellerTiers = []Tier{
	{Name: "Bronze", MinDeals: 0},
	{Name: "Silver", MinDeals: 100},
	{Name: "Gold", MinDeals: 500},
	{Name: "Platinum", MinDeals: 1000},
	{Name: "Diamond", MinDeals: 5000},
}

var escrowTiers = []Tier{
	{Name: "Standard", MinDeals: 0, FeeBps: 250, FeePerDeal: decimal.NewFromInt(5)},
	{Name: "Trusted", MinDeals: 100, FeeBps: 200, FeePerDeal: decimal.NewFromInt(10)},
	{Name: "Elite", MinDeals: 500, FeeBps: 150, FeePerDeal: decimal.NewFromInt(15)},
	{Name: "Master", MinDeals: 1000, FeeBps: 100, FeePerDeal: decimal.NewFromInt(20)},
}

func tableFor(class ParticipantClass) []Tier {
	if class == ClassEscrow {
		return escrowTiers
	}
	return sellerTiers
}

// For returns the highest tier whose MinDeals threshold is at or below
// dealCount. Negative counts fall back to the lowest tier; the lookup never
// fails.
func For(class ParticipantClass, dealCount int64) Tier {
	table := tableFor(class)
	selected := table[0]
	for _, tier := range table[1:] {
		if dealCount >= tier.MinDeals {
			selected = tier
		}
	}
	return selected
}

// Tiers returns a copy of the tier table for the given class, ordered by
// ascending threshold. Used by badge displays.
func Tiers(class ParticipantClass) []Tier {
	table := tableFor(class)
	out := make([]Tier, len(table))
	copy(out, table)
	return out
}
