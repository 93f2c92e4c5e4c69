// Package fees computes the platform and escrow fees charged against a
// transaction amount. All functions are pure: identical inputs always yield
// identical outputs and nothing is persisted here.
package fees

import (
	"github.com/shopspring/decimal"

	"fortflux/rank"
)

// PlatformFeeBps is the flat platform cut in basis points (5%). It does not
// vary with seller rank; the seller tier is accepted to keep the call site
// honest about when fees are fixed.
const PlatformFeeBps = 500

const bpsDenominator = 10_000

// Breakdown is the result of a fee computation.
type Breakdown struct {
	PlatformFee decimal.Decimal
	EscrowFee   decimal.Decimal
}

// Compute derives the platform and escrow fee for the given amount.
//
// The escrow fee is a percentage of the amount taken from the escrow tier's
// basis-point rate. The tier's flat FeePerDeal figure is deliberately ignored:
// it is badge display metadata, and mixing a flat amount into ledger math
// would break linear scaling of fees with amount.
func Compute(amount decimal.Decimal, sellerTier, escrowTier rank.Tier) Breakdown {
	_ = sellerTier
	if amount.Sign() <= 0 {
		return Breakdown{PlatformFee: decimal.Zero, EscrowFee: decimal.Zero}
	}
	denominator := decimal.NewFromInt(bpsDenominator)
	platform := amount.Mul(decimal.NewFromInt(PlatformFeeBps)).Div(denominator)
	escrow := amount.Mul(decimal.NewFromInt(int64(escrowTier.FeeBps))).Div(denominator)
	return Breakdown{
		PlatformFee: platform.Round(2),
		EscrowFee:   escrow.Round(2),
	}
}

// Net returns the amount remaining for the seller after both fees.
func (b Breakdown) Net(amount decimal.Decimal) decimal.Decimal {
	return amount.Sub(b.PlatformFee).Sub(b.EscrowFee)
}
