package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/currency"
)

var (
	// ErrInvalidCurrency is returned for codes that are not ISO 4217.
	ErrInvalidCurrency = errors.New("domain: invalid currency")
	// ErrInvalidAmount is returned for negative or malformed decimal amounts.
	ErrInvalidAmount = errors.New("domain: invalid amount")
)

// NormalizeCurrency validates an ISO 4217 code and returns it upper-cased.
func NormalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return unit.String(), nil
}

// CurrencyScale reports the number of minor-unit digits for an ISO 4217 code.
func CurrencyScale(code string) (int, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale, nil
}

// ParseMoney converts a decimal amount in major units ("48.00") into minor units.
func ParseMoney(amount, code string) (Money, error) {
	cur, err := NormalizeCurrency(code)
	if err != nil {
		return Money{}, err
	}
	scale, _ := CurrencyScale(cur)

	amount = strings.TrimSpace(amount)
	if amount == "" || strings.HasPrefix(amount, "-") || strings.HasPrefix(amount, "+") {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > scale {
		if strings.Trim(frac[scale:], "0") != "" {
			return Money{}, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, amount, scale)
		}
		frac = frac[:scale]
	}
	frac += strings.Repeat("0", scale-len(frac))

	minor, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil || minor < 0 {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return Money{Amount: minor, Currency: cur}, nil
}

// MoneyFromFloat converts a major-unit float as reported by some platform APIs.
func MoneyFromFloat(amount float64, code string) (Money, error) {
	scale, err := CurrencyScale(code)
	if err != nil {
		return Money{}, err
	}
	return ParseMoney(strconv.FormatFloat(amount, 'f', scale, 64), code)
}

// Decimal renders the amount in major units using the currency scale.
func (m Money) Decimal() string {
	scale, err := CurrencyScale(m.Currency)
	if err != nil || scale == 0 {
		return strconv.FormatInt(m.Amount, 10)
	}
	sign := ""
	amount := m.Amount
	if amount < 0 {
		sign, amount = "-", -amount
	}
	digits := fmt.Sprintf("%0*d", scale+1, amount)
	return sign + digits[:len(digits)-scale] + "." + digits[len(digits)-scale:]
}
