// Package finance holds the monetary primitives of the checkout: a USD amount
// in minor units and the validator that turns buyer-entered text into one.
package finance

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is the only currency the checkout accepts (ISO 4217, lower case as
// the processor expects it).
const Currency = "usd"

// Scale is the number of minor-unit digits for Currency.
const Scale = 2

// Amount is a monetary value in minor units (cents).
// It uses integer math to avoid floating point errors.
type Amount int64

const (
	// MinAmount is $1.00.
	MinAmount Amount = 100
	// MaxAmount is $1,000.00.
	MaxAmount Amount = 100000
)

// ValidationKind classifies why an amount was refused.
type ValidationKind string

const (
	KindNotNumeric      ValidationKind = "not_numeric"
	KindTooManyDecimals ValidationKind = "too_many_decimals"
	KindBelowMinimum    ValidationKind = "below_minimum"
	KindAboveMaximum    ValidationKind = "above_maximum"
)

// ValidationError reports a refused amount. Its message is safe to show to
// the buyer.
type ValidationError struct {
	Kind  ValidationKind
	Input string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case KindNotNumeric:
		return "Please enter a valid amount"
	case KindTooManyDecimals:
		return "Amounts can have at most two decimal places"
	case KindBelowMinimum:
		return "Amount must be at least " + MinAmount.String()
	case KindAboveMaximum:
		return "Amount cannot exceed " + MaxAmount.String()
	default:
		return "invalid amount"
	}
}

// Is matches any ValidationError of the same kind, so the sentinels below
// work with errors.Is.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotNumeric      = &ValidationError{Kind: KindNotNumeric}
	ErrTooManyDecimals = &ValidationError{Kind: KindTooManyDecimals}
	ErrBelowMinimum    = &ValidationError{Kind: KindBelowMinimum}
	ErrAboveMaximum    = &ValidationError{Kind: KindAboveMaximum}
)

var (
	minDecimal = decimal.New(int64(MinAmount), -Scale)
	maxDecimal = decimal.New(int64(MaxAmount), -Scale)
)

// ParseAmount converts decimal text in major units ("25", "25.5", "25.50")
// into an Amount. Only digits and a single decimal point are accepted, and
// more than two fractional digits is an error rather than a silent rounding.
func ParseAmount(raw string) (Amount, error) {
	text := strings.TrimSpace(raw)
	if !isDecimalText(text) {
		return 0, &ValidationError{Kind: KindNotNumeric, Input: raw}
	}
	if i := strings.IndexByte(text, '.'); i >= 0 && len(text)-i-1 > Scale {
		return 0, &ValidationError{Kind: KindTooManyDecimals, Input: raw}
	}

	// "25." and ".5" are accepted while typing; give decimal a canonical form.
	text = strings.TrimSuffix(text, ".")
	if strings.HasPrefix(text, ".") {
		text = "0" + text
	}
	value, err := decimal.NewFromString(text)
	if err != nil {
		return 0, &ValidationError{Kind: KindNotNumeric, Input: raw}
	}
	// Compare before converting so oversized input cannot overflow int64.
	if value.GreaterThan(maxDecimal) {
		return 0, &ValidationError{Kind: KindAboveMaximum, Input: raw}
	}
	if value.LessThan(minDecimal) {
		return 0, &ValidationError{Kind: KindBelowMinimum, Input: raw}
	}
	return Amount(value.Shift(Scale).Round(0).IntPart()), nil
}

func isDecimalText(s string) bool {
	digits, points := 0, 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.':
			points++
		default:
			return false
		}
	}
	return digits > 0 && points <= 1
}

// Validate enforces MinAmount <= a <= MaxAmount.
func (a Amount) Validate() error {
	switch {
	case a < MinAmount:
		return &ValidationError{Kind: KindBelowMinimum}
	case a > MaxAmount:
		return &ValidationError{Kind: KindAboveMaximum}
	}
	return nil
}

// Major returns the amount in major units.
func (a Amount) Major() decimal.Decimal {
	return decimal.New(int64(a), -Scale)
}

// String renders the amount as a dollar label, e.g. "$25.00".
func (a Amount) String() string {
	if a < 0 {
		return "-$" + (-a).Major().StringFixed(Scale)
	}
	return "$" + a.Major().StringFixed(Scale)
}

// Preset is a fixed purchase option offered before the custom amount field.
type Preset struct {
	Amount Amount `yaml:"amount" json:"amount"`
	Label  string `yaml:"label,omitempty" json:"label"`
}

// DefaultPresets returns the stock amount options.
func DefaultPresets() []Preset {
	return []Preset{
		{Amount: 1000, Label: "$10.00"},
		{Amount: 2500, Label: "$25.00"},
		{Amount: 5000, Label: "$50.00"},
		{Amount: 10000, Label: "$100.00"},
	}
}
