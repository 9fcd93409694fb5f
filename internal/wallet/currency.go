package wallet

import (
	"github.com/shopspring/decimal"

	"github.com/betlink/betlinkd/internal/apperr"
)

// currencyScale maps supported ISO 4217 codes to their minor-unit scale.
// Amounts with finer precision than the scale are rejected, not rounded.
var currencyScale = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"CNY": 2,
	"KRW": 2,
	"JPY": 0,
}

// SupportedCurrency reports whether code is a currency the platform settles.
func SupportedCurrency(code string) bool {
	_, ok := currencyScale[code]
	return ok
}

// ValidateAmount checks that amount is positive and representable at the
// currency's scale.
func ValidateAmount(currency string, amount decimal.Decimal) error {
	scale, ok := currencyScale[currency]
	if !ok {
		return apperr.Newf(apperr.CodeCurrencyMismatch, "unsupported currency %q", currency)
	}
	if !amount.IsPositive() {
		return apperr.New(apperr.CodeInvalidAmount, "amount must be positive").
			WithDetail("amount", amount.String())
	}
	if !amount.Equal(amount.Truncate(scale)) {
		return apperr.Newf(apperr.CodeInvalidAmount,
			"amount exceeds the %d decimal places allowed for %s", scale, currency).
			WithDetail("amount", amount.String())
	}
	return nil
}
