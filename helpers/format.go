package helpers

import (
	"fmt"
	"math"
	"unicode/utf8"
)

// FormatPercent formats a ratio in [0,1] as a whole percentage
func FormatPercent(ratio float64) string {
	return fmt.Sprintf("%.0f%%", math.Round(ratio*100))
}

// FormatSigned formats a delta with an explicit sign and 2 decimals
func FormatSigned(v float64) string {
	return fmt.Sprintf("%+.2f", v)
}

// Truncate shortens s to at most max runes, ending with "..." when cut
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	if max <= 3 {
		return string([]rune(s)[:max])
	}
	return string([]rune(s)[:max-3]) + "..."
}
