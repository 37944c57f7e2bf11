// Package domain holds the pure accounting domain types shared across the
// system: monetary values, account definitions and the domain error taxonomy.
// It has no infrastructure dependencies.
package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Money is an immutable monetary value held in signed minor units (cents).
// All arithmetic is exact integer arithmetic; the float view exists only for
// display and reporting and is never used in storage.
type Money struct {
	cents int64
}

// NewMoney creates a Money from minor units.
func NewMoney(cents int64) Money {
	return Money{cents: cents}
}

// ParseMoney parses a decimal string (e.g. "100.00", "-3.5") into Money.
// More than two fractional digits is rejected.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, fmt.Errorf("empty amount")
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" || s == "." {
		return Money{}, fmt.Errorf("malformed amount")
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole = s[:i]
		frac = s[i+1:]
	}
	if len(frac) > 2 {
		return Money{}, fmt.Errorf("amount %q has more than 2 fractional digits", s)
	}
	if whole == "" {
		whole = "0"
	}
	// Pad fraction to exactly two digits
	for len(frac) < 2 {
		frac += "0"
	}

	wholeVal, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("malformed amount %q: %w", s, err)
	}
	fracVal, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("malformed amount %q: %w", s, err)
	}

	cents := wholeVal*100 + fracVal
	if negative {
		cents = -cents
	}
	return Money{cents: cents}, nil
}

// MustParseMoney parses a decimal string and panics on failure. Test helper.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Cents returns the value in minor units.
func (m Money) Cents() int64 {
	return m.cents
}

// Add returns m + other.
func (m Money) Add(other Money) Money {
	return Money{cents: m.cents + other.cents}
}

// Sub returns m - other.
func (m Money) Sub(other Money) Money {
	return Money{cents: m.cents - other.cents}
}

// Abs returns the absolute value.
func (m Money) Abs() Money {
	if m.cents < 0 {
		return Money{cents: -m.cents}
	}
	return m
}

// Compare returns -1, 0 or 1 as m is less than, equal to or greater than other.
func (m Money) Compare(other Money) int {
	switch {
	case m.cents < other.cents:
		return -1
	case m.cents > other.cents:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether the value is exactly zero.
func (m Money) IsZero() bool {
	return m.cents == 0
}

// IsPositive reports whether the value is strictly greater than zero.
func (m Money) IsPositive() bool {
	return m.cents > 0
}

// IsNegative reports whether the value is strictly less than zero.
func (m Money) IsNegative() bool {
	return m.cents < 0
}

// Float64 returns a lossy major-unit view for display only.
func (m Money) Float64() float64 {
	return float64(m.cents) / 100
}

// String renders the value in major units with two decimals (e.g. "-12.05").
func (m Money) String() string {
	c := m.cents
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}
