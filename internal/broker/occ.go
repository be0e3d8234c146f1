package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FormatOCC builds an OCC option symbol: the root padded with spaces to six
// characters, YYMMDD, C or P, and the strike times 1000 as eight digits.
// Example: AAPL 2021-09-17 150 Call -> "AAPL  210917C00150000".
func FormatOCC(root string, expiry time.Time, class OptionClass, strike decimal.Decimal) string {
	cp := "C"
	if class == Put {
		cp = "P"
	}
	strikeInt := strike.Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
	return fmt.Sprintf("%-6s%s%s%08d", strings.ToUpper(root), expiry.Format("060102"), cp, strikeInt)
}

// ClassFromOCC returns the option class encoded in an OCC symbol.
func ClassFromOCC(s string) (OptionClass, bool) {
	s = strings.TrimSpace(s)
	// Walk backward over the 8-digit strike suffix to the type char.
	if len(s) < 9 {
		return "", false
	}
	i := len(s) - 1
	for digits := 0; digits < 8; digits++ {
		if s[i] < '0' || s[i] > '9' {
			return "", false
		}
		i--
	}
	switch s[i] {
	case 'P', 'p':
		return Put, true
	case 'C', 'c':
		return Call, true
	default:
		return "", false
	}
}

// UnderlyingFromOCC extracts the root from an OCC symbol, e.g.
// "SPY   241220P00450000" -> "SPY". Non-option symbols return "".
func UnderlyingFromOCC(s string) string {
	s = strings.TrimSpace(s)
	// root + YYMMDD + P/C + 8-digit strike
	if len(s) < 16 {
		return ""
	}
	i := len(s) - 15
	if !isDigits(s[i:i+6]) || !isDigits(s[i+7:]) {
		return ""
	}
	switch s[i+6] {
	case 'P', 'p', 'C', 'c':
	default:
		return ""
	}
	return strings.TrimSpace(s[:i])
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
