// Package money provides shared amount parsing and formatting utilities.
//
// Rental amounts use 2 decimal places. All amounts are stored as int64
// cents (one dollar = 100 cents). Book prices are small, bounded values,
// so int64 is ample and keeps arithmetic exact.
package money

import (
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "25.00") to cents (2500).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}

	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 2 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	var cents int64
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, false
		}
		cents = cents*10 + int64(c-'0')
		if cents < 0 { // overflow
			return 0, false
		}
	}
	return cents, true
}

// Format converts cents to a human-readable decimal string with exactly
// 2 decimal places (e.g. 2500 -> "25.00").
func Format(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	whole := cents / 100
	frac := cents % 100
	result := itoa(whole) + "." + pad2(frac)
	if neg {
		result = "-" + result
	}
	return result
}

// Half returns 50% of an amount in cents, rounded down.
func Half(cents int64) int64 {
	return cents / 2
}

// Min returns the smaller of two amounts.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func pad2(n int64) string {
	if n < 10 {
		return "0" + itoa(n)
	}
	return itoa(n)
}
