package utils

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestParseUint(t *testing.T) {
	tests := []struct {
		in   interface{}
		want uint
		ok   bool
	}{
		{float64(12), 12, true},
		{float64(1.5), 0, false},
		{float64(0), 0, false},
		{float64(-3), 0, false},
		{7, 7, true},
		{int64(8), 8, true},
		{uint(9), 9, true},
		{uint(0), 0, false},
		{" 42 ", 42, true},
		{"0", 0, false},
		{"abc", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseUint(tt.in)
		assert.Equal(t, tt.ok, ok, "%#v", tt.in)
		assert.Equal(t, tt.want, got, "%#v", tt.in)
	}
}

func TestParseInt(t *testing.T) {
	tests := []struct {
		in   interface{}
		want int
		ok   bool
	}{
		{float64(9), 9, true},
		{float64(0), 0, true},
		{float64(9.5), 0, false},
		{3, 3, true},
		{int64(-2), -2, true},
		{"15", 15, true},
		{"", 0, false},
		{"9am", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseInt(tt.in)
		assert.Equal(t, tt.ok, ok, "%#v", tt.in)
		assert.Equal(t, tt.want, got, "%#v", tt.in)
	}
}

func TestStringValue(t *testing.T) {
	s, ok := StringValue("vip")
	assert.True(t, ok)
	assert.Equal(t, "vip", s)

	_, ok = StringValue("  ")
	assert.False(t, ok)
	_, ok = StringValue(42)
	assert.False(t, ok)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abc...", Truncate("abcdef", 3))

	// "é" is two bytes; a cut inside it backs off to the previous rune
	assert.Equal(t, "a...", Truncate("aéé", 2))
	long := Truncate("a"+strings.Repeat("é", 1100), 2000)
	assert.True(t, utf8.ValidString(long))
	assert.LessOrEqual(t, len(long), 2003)
}

type signup struct {
	Name    string `validate:"required"`
	Email   string `validate:"omitempty,email"`
	Channel string `validate:"oneof=email sms"`
	Hour    int    `validate:"min=0,max=23"`
}

func TestValidateStruct(t *testing.T) {
	assert.NoError(t, ValidateStruct(signup{Name: "Ada", Channel: "sms", Hour: 9}))

	err := ValidateStruct(signup{Email: "nope", Channel: "fax", Hour: 24})
	if assert.Error(t, err) {
		msg := err.Error()
		for _, want := range []string{
			"name is required",
			"email must be a valid email",
			"channel must be one of: email sms",
			"hour must be at most 23",
		} {
			assert.True(t, strings.Contains(msg, want), "missing %q in %q", want, msg)
		}
	}
}
