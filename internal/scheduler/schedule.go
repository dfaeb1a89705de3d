package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
)

// ParseSchedule parses a maintenance schedule.
//
// Supported forms:
//   - Cron: "0 * * * *", "@hourly", "@every 30m"
//   - Interval HH:MM: "02:30" (every 2 hours 30 minutes)
//   - Interval duration: "45m", "6h"
//
// An empty string or "off" returns a nil schedule (maintenance disabled).
func ParseSchedule(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "", "off", "none", "disabled":
		return nil, nil
	}

	// any whitespace or a leading '@' means cron
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		sched, err := cronParser.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid cron schedule %q: %w", raw, err)
		}
		return sched, nil
	}

	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("invalid minutes in %q", raw)
		}
		return every(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute)
	}

	if d, err := time.ParseDuration(s); err == nil {
		return every(d)
	}
	return nil, fmt.Errorf("invalid schedule %q (use cron like '0 * * * *', HH:MM like '02:30', or duration like '45m')", raw)
}

func every(d time.Duration) (cron.Schedule, error) {
	if d < time.Second {
		return nil, fmt.Errorf("interval must be at least 1s")
	}
	return cron.Every(d), nil
}
