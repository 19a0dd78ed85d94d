package ledger

import "testing"

func TestFormatUnits(t *testing.T) {
	cases := []struct {
		amount   string
		decimals int
		want     string
	}{
		{"1500000", 6, "1.5"},
		{"1000000", 6, "1"},
		{"1", 6, "0.000001"},
		{"0", 18, "0"},
		{"123", 0, "123"},
		{"1000000000000000000", 18, "1"},
		{"1230000000000000000", 18, "1.23"},
	}
	for _, tc := range cases {
		got, err := FormatUnits(tc.amount, tc.decimals)
		if err != nil {
			t.Errorf("FormatUnits(%q,%d): %v", tc.amount, tc.decimals, err)
			continue
		}
		if got != tc.want {
			t.Errorf("FormatUnits(%q,%d) = %q, want %q", tc.amount, tc.decimals, got, tc.want)
		}
	}
	if _, err := FormatUnits("not-a-number", 6); err == nil {
		t.Error("expected error for invalid amount")
	}
}
