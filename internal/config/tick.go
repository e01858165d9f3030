package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// NormalizeTick turns a tick setting into a cron spec. Accepted forms:
//   - cron expressions and descriptors: "*/2 * * * *", "@every 1m", "@hourly"
//   - Go durations: "90s", "5m" (become "@every <d>")
//   - HH:MM intervals: "00:05" (5 minutes)
func NormalizeTick(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DefaultTick, nil
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return s, nil
	}
	var every time.Duration
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return "", fmt.Errorf("invalid minutes in %q", raw)
		}
		every = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		d, err := time.ParseDuration(s)
		if err != nil {
			return "", fmt.Errorf("invalid tick %q (use cron like '*/1 * * * *', HH:MM like '00:01', or a duration like '60s')", raw)
		}
		every = d
	}
	if every <= 0 {
		return "", fmt.Errorf("tick interval must be > 0")
	}
	return "@every " + every.String(), nil
}
