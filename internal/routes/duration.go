package routes

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseDurationSeconds parses the directions API duration format, a decimal
// number of seconds with a trailing "s" (e.g. "734s", "12.5s"). Fractional
// seconds truncate. Anything unparseable is 0.
func ParseDurationSeconds(s string) int {
	v, ok := strings.CutSuffix(s, "s")
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0
	}
	return int(f)
}

// FormatDuration renders seconds for display: "45 sec", "2 min", "1h",
// "1h 5m".
func FormatDuration(seconds int) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%d sec", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%d min", seconds/60)
	default:
		h := seconds / 3600
		m := (seconds % 3600) / 60
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh %dm", h, m)
	}
}

// FormatDistance renders meters as kilometers with two decimals.
func FormatDistance(meters float64) string {
	return fmt.Sprintf("%.2f km", meters/1000)
}
