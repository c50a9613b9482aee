// Package utils provides shared clocks, retry helpers and formatting.
package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// RupeeSymbol prefixes formatted amounts.
const RupeeSymbol = "₹"

// FormatIndianCurrency formats an amount with the rupee sign and Indian digit
// grouping: ₹1,23,45,678.90.
func FormatIndianCurrency(amount float64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
	}
	return sign + RupeeSymbol + FormatIndianAmount(amount)
}

// FormatIndianAmount is FormatIndianCurrency without sign or symbol.
func FormatIndianAmount(amount float64) string {
	if amount < 0 {
		amount = -amount
	}
	str := strconv.FormatFloat(amount, 'f', 2, 64)
	intPart, decPart, _ := strings.Cut(str, ".")
	return groupIndian(intPart) + "." + decPart
}

// groupIndian groups an integer string as 1,00,00,000: three digits on the
// right, then pairs.
func groupIndian(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	result := s[n-3:]
	s = s[:n-3]
	for len(s) > 2 {
		result = s[len(s)-2:] + "," + result
		s = s[:len(s)-2]
	}
	return s + "," + result
}

// FormatPercent formats a percentage with an explicit plus sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatPnL formats P&L with an explicit plus sign on gains.
func FormatPnL(pnl float64) string {
	formatted := FormatIndianCurrency(pnl)
	if pnl > 0 {
		return "+" + formatted
	}
	return formatted
}

// FormatQuantity groups a quantity the Indian way.
func FormatQuantity(qty int64) string {
	if qty < 0 {
		return "-" + groupIndian(strconv.FormatInt(-qty, 10))
	}
	return groupIndian(strconv.FormatInt(qty, 10))
}

// FormatCompact formats large amounts in lakhs (L) or crores (Cr).
func FormatCompact(amount float64) string {
	abs := amount
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 1e7:
		return fmt.Sprintf("%.2f Cr", amount/1e7)
	case abs >= 1e5:
		return fmt.Sprintf("%.2f L", amount/1e5)
	}
	return FormatIndianCurrency(amount)
}
