package utils

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var amountPrinter = message.NewPrinter(language.English)

// FormatTokenAmount renders a raw token amount with thousands separators,
// at most digits fractional digits and the symbol appended.
func FormatTokenAmount(amount *uint256.Int, decimals uint8, symbol string, digits int) string {
	if amount == nil {
		return ""
	}

	preComma, postComma := splitAmount(amount, int(decimals))

	var intPart uint256.Int
	if err := intPart.SetFromDecimal(preComma); err != nil {
		return amount.Dec()
	}

	formatted := preComma
	if intPart.IsUint64() {
		formatted = amountPrinter.Sprintf("%d", intPart.Uint64())
	}

	if len(postComma) > digits {
		postComma = postComma[:digits]
	}
	postComma = strings.TrimRight(postComma, "0")
	if postComma != "" {
		formatted += "." + postComma
	}

	if symbol != "" {
		formatted += " " + symbol
	}
	return formatted
}

func splitAmount(amount *uint256.Int, unitDigits int) (preComma, postComma string) {
	s := amount.Dec()
	l := len(s)

	switch {
	case l > unitDigits:
		return s[:l-unitDigits], strings.TrimRight(s[l-unitDigits:], "0")
	case l == unitDigits:
		return "0", strings.TrimRight(s, "0")
	default:
		return "0", strings.TrimRight(fmt.Sprintf("%0*d", unitDigits-l, 0)+s, "0")
	}
}
