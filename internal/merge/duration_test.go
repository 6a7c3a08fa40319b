package merge

import "testing"

func TestParseFlexibleDuration(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"05:30", 330},
		{"01:00:00", 3600},
		{"15 minutes", 900},
		{"1 minute", 60},
		{"~3 min", 180},
		{"2 mins", 120},
		{"7", 420},
		{"Unknown", 0},
		{"unknown", 0},
		{"", 0},
		{"garbage", 0},
	}
	for _, tc := range cases {
		if got := ParseFlexibleDuration(tc.in); got != tc.want {
			t.Errorf("ParseFlexibleDuration(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	if got, err := ParseTimestamp("25:00"); err != nil || got != 1500 {
		t.Errorf("ParseTimestamp(25:00) = %v, %v", got, err)
	}
	if got, err := ParseTimestamp("01:02:03"); err != nil || got != 3723 {
		t.Errorf("ParseTimestamp(01:02:03) = %v, %v", got, err)
	}
	if _, err := ParseTimestamp("90"); err == nil {
		t.Error("Expected error for bare number")
	}
	if _, err := ParseTimestamp("aa:bb"); err == nil {
		t.Error("Expected error for non-numeric components")
	}
}

func TestFormatTimestamp(t *testing.T) {
	if got := FormatTimestamp(1500); got != "00:25:00" {
		t.Errorf("FormatTimestamp(1500) = %s", got)
	}
	if got := FormatTimestamp(3723); got != "01:02:03" {
		t.Errorf("FormatTimestamp(3723) = %s", got)
	}
	if got := FormatTimestamp(-5); got != "00:00:00" {
		t.Errorf("FormatTimestamp(-5) = %s", got)
	}
}
