package aggregator

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/acadledger/acadledger/internal/shared"
)

// Credits is a credit value in hundredths of a unit, the form the ledger
// stores. 600 is 6.0 credits.
type Credits int64

// CreditScale is the number of stored units per credit.
const CreditScale = 100

// CreditsFromStored wraps a ledger value.
func CreditsFromStored(v uint64) Credits { return Credits(v) }

// CreditsFromFloat rounds f to the nearest hundredth.
func CreditsFromFloat(f float64) Credits { return Credits(math.Round(f * CreditScale)) }

// Stored returns the ledger representation.
func (c Credits) Stored() uint64 {
	if c < 0 {
		return 0
	}
	return uint64(c)
}

// Float returns the display value. Use String or Stored for exact values.
func (c Credits) Float() float64 { return float64(c) / CreditScale }

// String renders the value with at least one decimal, e.g. "6.0", "7.5", "2.25".
func (c Credits) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign, v = "-", -v
	}
	whole, frac := v/CreditScale, v%CreditScale
	switch {
	case frac == 0:
		return fmt.Sprintf("%s%d.0", sign, whole)
	case frac%10 == 0:
		return fmt.Sprintf("%s%d.%d", sign, whole, frac/10)
	default:
		return fmt.Sprintf("%s%d.%02d", sign, whole, frac)
	}
}

// ParseCredits parses decimal text with up to two fractional digits without
// going through floating point.
func ParseCredits(s string) (Credits, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: credits are required", shared.ErrValidation)
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && (frac == "" || len(frac) > 2) {
		return 0, fmt.Errorf("%w: credits %q must have one or two decimals", shared.ErrValidation, s)
	}
	w, err := strconv.ParseUint(whole, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("%w: credits %q: %v", shared.ErrValidation, s, err)
	}
	var f uint64
	if hasFrac {
		if len(frac) == 1 {
			frac += "0"
		}
		f, err = strconv.ParseUint(frac, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("%w: credits %q: %v", shared.ErrValidation, s, err)
		}
	}
	if w > math.MaxInt64/CreditScale-1 {
		return 0, fmt.Errorf("%w: credits %q out of range", shared.ErrValidation, s)
	}
	return Credits(int64(w)*CreditScale + int64(f)), nil
}

// MarshalJSON encodes the value as a JSON number.
func (c Credits) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts a JSON number or string.
func (c *Credits) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	v, err := ParseCredits(raw)
	if err != nil {
		return err
	}
	*c = v
	return nil
}
