package usdc

import (
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected uint64
	}{
		{"one dollar", "1.00", 1_000_000},
		{"fifty cents", "0.50", 500_000},
		{"hundred", "100", 100_000_000},
		{"smallest unit", "0.000001", 1},
		{"whole and frac", "1.500000", 1_500_000},
		{"no frac", "1", 1_000_000},
		{"short frac", "1.5", 1_500_000},
		{"six decimals", "1.123456", 1_123_456},
		{"leading zeros in whole", "007.50", 7_500_000},
		{"bare fraction", ".25", 250_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParse_ZeroVariants(t *testing.T) {
	for _, input := range []string{"", "0", "0.0", "0.000000"} {
		got, ok := Parse(input)
		if !ok {
			t.Fatalf("Parse(%q) returned ok=false", input)
		}
		if got != 0 {
			t.Errorf("Parse(%q) = %d, want 0", input, got)
		}
	}
}

func TestParse_RejectsPrecisionBeyondSixDecimals(t *testing.T) {
	for _, input := range []string{"1.1234567890", "100.0000001", "5.0000009", "0.0000001"} {
		if got, ok := Parse(input); ok {
			t.Errorf("Parse(%q) = %d, want rejection", input, got)
		}
	}
	// trailing zeros past the sixth place still carry extra precision
	if _, ok := Parse("1.0000000"); ok {
		t.Error("Parse(\"1.0000000\") should fail")
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"-1", "+1", "1.2.3", "abc", "1e6", ".", "99999999999999999999"} {
		if _, ok := Parse(input); ok {
			t.Errorf("Parse(%q) should fail", input)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		input uint64
		want  string
	}{
		{0, "0.000000"},
		{1, "0.000001"},
		{1_000_000, "1.000000"},
		{100_000_000, "100.000000"},
		{1_500_000, "1.500000"},
	}
	for _, tt := range tests {
		if got := Format(tt.input); got != tt.want {
			t.Errorf("Format(%d) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, v := range []uint64{1, 999_999, 1_000_000, 42_123_456, 100_000_000} {
		got, ok := Parse(Format(v))
		if !ok || got != v {
			t.Errorf("round trip %d -> %q -> %d", v, Format(v), got)
		}
	}
}
