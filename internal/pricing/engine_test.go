package pricing_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/marketplace-cart/internal/pricing"
)

func TestComputeAppliesPromotion(t *testing.T) {
	q := pricing.Compute([]pricing.Item{
		{Qty: 2, UnitPrice: 1500},
		{Qty: 1, UnitPrice: 1000},
		{Qty: 0, UnitPrice: 9999},
	}, 1000)
	require.Equal(t, pricing.Money(4000), q.Gross)
	require.Equal(t, pricing.Money(400), q.Discount)
	require.Equal(t, pricing.Money(3600), q.Subtotal)
}

func TestComputeClampsDiscount(t *testing.T) {
	q := pricing.Compute([]pricing.Item{{Qty: 1, UnitPrice: 500}}, 20000)
	require.Equal(t, pricing.Money(500), q.Discount)
	require.Equal(t, pricing.Money(0), q.Subtotal)
}

func TestEstimate(t *testing.T) {
	s := pricing.Estimate(3600, pricing.Fees{Delivery: 500, Service: 150})
	require.Equal(t, pricing.Money(4250), s.Total)

	s = pricing.Estimate(1000, pricing.Fees{Delivery: -10})
	require.Equal(t, pricing.Money(0), s.Delivery)
	require.Equal(t, pricing.Money(1000), s.Total)
}
