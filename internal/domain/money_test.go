package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMoney(t *testing.T) {
	cases := []struct {
		in    string
		cents int64
	}{
		{"0", 0},
		{"100.00", 10000},
		{"100", 10000},
		{"-3.5", -350},
		{"+3.5", 350},
		{".99", 99},
		{"-0.01", -1},
		{" 12.05 ", 1205},
	}
	for _, c := range cases {
		m, err := ParseMoney(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.cents, m.Cents(), c.in)
	}
}

func TestParseMoneyRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", ".", "-", "1.234", "abc", "1.2.3", "1,50"} {
		_, err := ParseMoney(in)
		assert.Error(t, err, in)
	}
}

func TestMoneyArithmetic(t *testing.T) {
	a := NewMoney(150)
	b := NewMoney(-50)

	assert.Equal(t, int64(100), a.Add(b).Cents())
	assert.Equal(t, int64(200), a.Sub(b).Cents())
	assert.Equal(t, int64(50), b.Abs().Cents())

	assert.Equal(t, 1, a.Compare(b))
	assert.Equal(t, -1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(NewMoney(150)))

	assert.True(t, NewMoney(0).IsZero())
	assert.True(t, a.IsPositive())
	assert.True(t, b.IsNegative())
}

func TestMoneyStringRoundTrip(t *testing.T) {
	for _, cents := range []int64{0, 1, 99, 100, 1205, -1, -1205, 123456789} {
		m := NewMoney(cents)
		parsed, err := ParseMoney(m.String())
		require.NoError(t, err, m.String())
		assert.Equal(t, cents, parsed.Cents(), m.String())
	}

	assert.Equal(t, "-12.05", NewMoney(-1205).String())
	assert.Equal(t, "0.01", NewMoney(1).String())
}
