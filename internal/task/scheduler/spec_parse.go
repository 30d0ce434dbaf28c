package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseInterval parses a job period.
//
// Supported forms:
//   - Go duration: "5m", "2h30m"
//   - HH:MM: "00:15" (15 minutes), "04:00" (4 hours)
//   - "@every 5m" and "every:5m" prefixes
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "@every"):
		s = strings.TrimSpace(s[len("@every"):])
	case strings.HasPrefix(low, "every:"):
		s = strings.TrimSpace(s[len("every:"):])
	}
	if s == "" {
		return 0, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(s) {
		return parseHHMMDuration(s)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '15m'/'4h')", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
