package routes

import "testing"

func TestParseDurationSeconds(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"734s", 734},
		{"12.5s", 12},
		{"0s", 0},
		{"garbage", 0},
		{"", 0},
		{"s", 0},
		{"-5s", 0},
	}
	for _, c := range cases {
		if got := ParseDurationSeconds(c.in); got != c.want {
			t.Fatalf("ParseDurationSeconds(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   int
		want string
	}{
		{45, "45 sec"},
		{59, "59 sec"},
		{60, "1 min"},
		{125, "2 min"},
		{3599, "59 min"},
		{3600, "1h"},
		{3900, "1h 5m"},
		{7260, "2h 1m"},
	}
	for _, c := range cases {
		if got := FormatDuration(c.in); got != c.want {
			t.Fatalf("FormatDuration(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFormatDistance(t *testing.T) {
	if got := FormatDistance(5320); got != "5.32 km" {
		t.Fatalf("expected 5.32 km, got %q", got)
	}
	if got := FormatDistance(0); got != "0.00 km" {
		t.Fatalf("expected 0.00 km, got %q", got)
	}
}
