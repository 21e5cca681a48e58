package billing

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// ComputeFee returns amount*percentage/100 + fixed rounded to 2 decimals,
// half away from zero.
func ComputeFee(amount, percentage, fixed decimal.Decimal) decimal.Decimal {
	return amount.Mul(percentage).Div(hundred).Add(fixed).Round(2)
}

// Total returns amount + fee
func Total(amount, fee decimal.Decimal) decimal.Decimal {
	return amount.Add(fee)
}

// FeeQuote is the amount/fee/total snapshot stored on a new subscription.
// Later settings changes never touch an existing quote.
type FeeQuote struct {
	Amount decimal.Decimal `json:"amount"`
	Fee    decimal.Decimal `json:"fee"`
	Total  decimal.Decimal `json:"total"`
}

// QuoteFees prices a product under the current fee settings. productPassFee,
// when non-nil, overrides the global pass-through flag for that product.
func QuoteFees(price decimal.Decimal, fees FeeSettings, productPassFee *bool) (FeeQuote, error) {
	if price.IsNegative() {
		return FeeQuote{}, Validationf("QuoteFees", "price must not be negative, got %s", price)
	}

	passFee := fees.PassToCustomer
	if productPassFee != nil {
		passFee = *productPassFee
	}

	fee := decimal.Zero
	if passFee {
		fee = ComputeFee(price, fees.Percentage, fees.Fixed)
	}

	return FeeQuote{
		Amount: price,
		Fee:    fee,
		Total:  Total(price, fee),
	}, nil
}
