package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrTooManyDecimals  = errors.New("amount has too many decimal places")
	ErrNotRepresentable = errors.New("amount not representable in base units")
)

// Monetary amounts are stored as int64 minor units with two fractional
// digits, for fiat and for trade-level crypto totals alike. On-chain amounts
// are converted through the asset's own decimals.

func ParseMinor(input string) (int64, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return 0, ErrInvalidAmount
	}
	sign := int64(1)
	switch trimmed[0] {
	case '-':
		sign = -1
		trimmed = trimmed[1:]
	case '+':
		trimmed = trimmed[1:]
	}
	parts := strings.SplitN(trimmed, ".", 2)
	wholePart := parts[0]
	if wholePart == "" {
		wholePart = "0"
	}
	if !isDigits(wholePart) {
		return 0, ErrInvalidAmount
	}
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(fracPart) > 2 {
		return 0, ErrTooManyDecimals
	}
	if fracPart != "" && !isDigits(fracPart) {
		return 0, ErrInvalidAmount
	}
	whole, err := strconv.ParseInt(wholePart, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	frac := int64(0)
	if len(fracPart) == 1 {
		frac = int64(fracPart[0]-'0') * 10
	} else if len(fracPart) == 2 {
		value, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, ErrInvalidAmount
		}
		frac = value
	}
	minor := whole*100 + frac
	return sign * minor, nil
}

func FormatMinor(value int64) string {
	negative := value < 0
	if negative {
		value = -value
	}
	whole := value / 100
	frac := value % 100
	formatted := fmt.Sprintf("%d.%02d", whole, frac)
	if negative {
		return "-" + formatted
	}
	return formatted
}

// MinorToDecimal returns the decimal value of a minor-unit amount.
func MinorToDecimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// FiatFromCrypto applies a fiat-per-token rate to a crypto amount. Both sides
// are minor units; bank rounding, teacher of none.
func FiatFromCrypto(cryptoMinor int64, rate decimal.Decimal) int64 {
	return MinorToDecimal(cryptoMinor).Mul(rate).Shift(2).RoundBank(0).IntPart()
}

// ToBaseUnits scales a minor-unit amount to on-chain base units using the
// asset's decimals. Fails when the amount cannot be represented exactly or
// would be negative.
func ToBaseUnits(minor int64, assetDecimals uint32) (uint64, error) {
	if minor < 0 {
		return 0, ErrInvalidAmount
	}
	scaled := decimal.New(minor, -2).Shift(int32(assetDecimals))
	if !scaled.IsInteger() {
		return 0, ErrNotRepresentable
	}
	if !scaled.BigInt().IsUint64() {
		return 0, ErrNotRepresentable
	}
	return scaled.BigInt().Uint64(), nil
}

// FromBaseUnits converts on-chain base units back to minor units, truncating
// precision below two fractional digits.
func FromBaseUnits(base uint64, assetDecimals uint32) int64 {
	return decimal.NewFromUint64(base).Shift(-int32(assetDecimals)).Shift(2).Truncate(0).IntPart()
}

func ValueToInt64(value interface{}) int64 {
	switch v := value.(type) {
	case nil:
		return 0
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	case uint32:
		return int64(v)
	case []byte:
		parsed, _ := strconv.ParseInt(string(v), 10, 64)
		return parsed
	case string:
		parsed, _ := strconv.ParseInt(v, 10, 64)
		return parsed
	default:
		parsed, _ := strconv.ParseInt(fmt.Sprint(v), 10, 64)
		return parsed
	}
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
