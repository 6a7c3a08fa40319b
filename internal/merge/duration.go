package merge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var minutesPattern = regexp.MustCompile(`^~?\s*(\d+(?:\.\d+)?)\s*(?:minutes?|mins?|min)\.?$`)

// ParseTimestamp parses MM:SS or HH:MM:SS into seconds.
func ParseTimestamp(s string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	switch len(parts) {
	case 2, 3:
	default:
		return 0, fmt.Errorf("timestamp %q is not MM:SS or HH:MM:SS", s)
	}
	var total float64
	for _, p := range parts {
		n, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("timestamp %q has invalid component %q", s, p)
		}
		total = total*60 + n
	}
	return total, nil
}

// FormatTimestamp renders seconds as HH:MM:SS.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	s := int(seconds + 0.5)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}

// ParseFlexibleDuration parses the loose duration strings the analysis
// service produces: MM:SS, HH:MM:SS, "N minutes", "~N min", a bare number
// (treated as minutes), or the literal "Unknown" (zero). Unparseable input
// also yields zero; aggregation tolerates sloppy fields rather than failing
// a merge over one of them.
func ParseFlexibleDuration(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "unknown") {
		return 0
	}
	if strings.Contains(s, ":") {
		if sec, err := ParseTimestamp(s); err == nil {
			return sec
		}
		return 0
	}
	if m := minutesPattern.FindStringSubmatch(strings.ToLower(s)); m != nil {
		n, _ := strconv.ParseFloat(m[1], 64)
		return n * 60
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil && n >= 0 {
		// Bare numbers are minutes.
		return n * 60
	}
	return 0
}

// shiftTimestamp translates a chunk-relative timestamp by the chunk's
// absolute start offset, preserving the HH:MM:SS rendering.
func shiftTimestamp(rel string, offsetS float64) string {
	sec, err := ParseTimestamp(rel)
	if err != nil {
		return FormatTimestamp(offsetS)
	}
	return FormatTimestamp(sec + offsetS)
}
