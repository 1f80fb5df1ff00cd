package pricing

// Money represents a monetary value stored in minor units.
type Money = int64

// Item describes a line item used for pricing calculation.
type Item struct {
	Qty       int
	UnitPrice Money
}

// Quote is the result of pricing a set of lines under a promotion.
type Quote struct {
	Gross    Money
	Discount Money
	Subtotal Money
}

// Compute prices the lines and applies a promotion expressed in basis points.
// The discount never exceeds the gross amount.
func Compute(items []Item, promoBps int) Quote {
	var gross Money
	for _, it := range items {
		if it.Qty <= 0 || it.UnitPrice < 0 {
			continue
		}
		gross += Money(it.Qty) * it.UnitPrice
	}
	if promoBps < 0 {
		promoBps = 0
	}
	discount := (gross * Money(promoBps)) / 10000
	if discount > gross {
		discount = gross
	}
	return Quote{
		Gross:    gross,
		Discount: discount,
		Subtotal: gross - discount,
	}
}

// Fees are the checkout-supplied charges layered on top of a cart subtotal.
type Fees struct {
	Delivery Money `json:"deliveryFee"`
	Service  Money `json:"serviceFee"`
}

// Summary aggregates the components of an estimated checkout total.
type Summary struct {
	Subtotal Money `json:"subtotal"`
	Delivery Money `json:"deliveryFee"`
	Service  Money `json:"serviceFee"`
	Total    Money `json:"total"`
}

// Estimate adds checkout fees to a server-computed subtotal. Negative inputs
// are treated as zero.
func Estimate(subtotal Money, fees Fees) Summary {
	subtotal = nonNegative(subtotal)
	delivery := nonNegative(fees.Delivery)
	service := nonNegative(fees.Service)
	return Summary{
		Subtotal: subtotal,
		Delivery: delivery,
		Service:  service,
		Total:    subtotal + delivery + service,
	}
}

func nonNegative(v Money) Money {
	if v < 0 {
		return 0
	}
	return v
}
