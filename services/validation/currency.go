package validation

import (
	"fmt"
	"math"
	"regexp"

	"golang.org/x/text/currency"
)

var currencyCodePattern = regexp.MustCompile(`^[A-Z]{3}$`)

// ParseCurrency checks that code is a recognised ISO 4217 currency
func ParseCurrency(code string) (currency.Unit, error) {
	if !currencyCodePattern.MatchString(code) {
		return currency.Unit{}, fmt.Errorf("currency %q is not a 3-letter ISO 4217 code", code)
	}
	u, err := currency.ParseISO(code)
	if err != nil {
		return currency.Unit{}, fmt.Errorf("currency %q is not a recognised ISO 4217 code", code)
	}
	return u, nil
}

// MinorUnits returns the number of decimal places of the currency's minor unit
func MinorUnits(code string) int {
	u, err := ParseCurrency(code)
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(u)
	return scale
}

// FormatMinor renders a minor-unit amount in major units, e.g. 25000 USD as "250.00"
func FormatMinor(amount int64, code string) string {
	scale := MinorUnits(code)
	if scale == 0 {
		return fmt.Sprintf("%d", amount)
	}
	div := int64(math.Pow10(scale))
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%0*d", sign, amount/div, scale, amount%div)
}
