package domain

import (
	"errors"
	"testing"
)

func TestParseMoney(t *testing.T) {
	cases := []struct {
		amount   string
		currency string
		want     Money
	}{
		{"48.00", "usd", Money{Amount: 4800, Currency: "USD"}},
		{"48", "USD", Money{Amount: 4800, Currency: "USD"}},
		{"0.5", "EUR", Money{Amount: 50, Currency: "EUR"}},
		{"1200", "JPY", Money{Amount: 1200, Currency: "JPY"}},
		{"12.500", "USD", Money{Amount: 1250, Currency: "USD"}},
	}
	for _, tc := range cases {
		got, err := ParseMoney(tc.amount, tc.currency)
		if err != nil {
			t.Fatalf("ParseMoney(%q, %q): %v", tc.amount, tc.currency, err)
		}
		if got != tc.want {
			t.Fatalf("ParseMoney(%q, %q) = %+v, want %+v", tc.amount, tc.currency, got, tc.want)
		}
	}
}

func TestParseMoneyRejectsInvalidInput(t *testing.T) {
	if _, err := ParseMoney("-1.00", "USD"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for negative value, got %v", err)
	}
	if _, err := ParseMoney("1.005", "USD"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for excess precision, got %v", err)
	}
	if _, err := ParseMoney("1.00", "XYZW"); !errors.Is(err, ErrInvalidCurrency) {
		t.Fatalf("expected invalid currency, got %v", err)
	}
}

func TestMoneyDecimal(t *testing.T) {
	if got := (Money{Amount: 4800, Currency: "USD"}).Decimal(); got != "48.00" {
		t.Fatalf("expected 48.00, got %s", got)
	}
	if got := (Money{Amount: 5, Currency: "USD"}).Decimal(); got != "0.05" {
		t.Fatalf("expected 0.05, got %s", got)
	}
	if got := (Money{Amount: 1200, Currency: "JPY"}).Decimal(); got != "1200" {
		t.Fatalf("expected 1200, got %s", got)
	}
}
