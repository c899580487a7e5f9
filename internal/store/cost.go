package store

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Cost is a decimal amount with an ISO 4217 currency code. It is stored and
// transmitted as "<amount> <code>", e.g. "100.00 USD".
type Cost struct {
	Amount   decimal.Decimal
	Currency currency.Unit
}

// ParseCost parses the "<amount> <code>" form.
func ParseCost(s string) (*Cost, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return nil, fmt.Errorf("cost %q: expected amount and currency code", s)
	}
	amount, err := decimal.NewFromString(fields[0])
	if err != nil {
		return nil, fmt.Errorf("cost %q: %w", s, err)
	}
	unit, err := currency.ParseISO(fields[1])
	if err != nil {
		return nil, fmt.Errorf("cost %q: %w", s, err)
	}
	return &Cost{Amount: amount, Currency: unit}, nil
}

func (c Cost) String() string {
	scale, _ := currency.Standard.Rounding(c.Currency)
	if exp := -c.Amount.Exponent(); exp > int32(scale) {
		scale = int(exp)
	}
	return c.Amount.StringFixed(int32(scale)) + " " + c.Currency.String()
}

// Equal compares amount by value and currency by code.
func (c Cost) Equal(o Cost) bool {
	return c.Amount.Equal(o.Amount) && c.Currency == o.Currency
}
