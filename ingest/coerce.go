package ingest

import (
	"errors"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// CanonicalNumericString turns spreadsheet floats such as "100.0" back into
// the integer code "100". Values that are not numbers are returned as is.
// Truncation goes toward zero, so "9116.7" becomes "9116".
func CanonicalNumericString(v string) string {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return v
	}
	i, _ := new(big.Float).SetFloat64(f).Int(nil)
	return i.String()
}

var errInvalidBoolean = errors.New("invalid boolean value")

// parseBool accepts yes/no, true/false and 1/0 in any case. Empty is false.
func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "false", "no", "0":
		return false, nil
	case "true", "yes", "1":
		return true, nil
	}
	return false, errInvalidBoolean
}

// parseMoney parses a decimal rounded half-to-even to four places.
func parseMoney(v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero, err
	}
	return d.RoundBank(4), nil
}
