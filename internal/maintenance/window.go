// Package maintenance decides whether an unattended install may run now.
package maintenance

import (
	"fmt"
	"strings"
	"time"

	"github.com/breeze-rmm/updater/internal/release"
)

// Config mirrors the maintenance_window configuration block.
type Config struct {
	Start              string   `mapstructure:"start" json:"start,omitempty"`
	End                string   `mapstructure:"end" json:"end,omitempty"`
	AllowedDaysOfWeek  []string `mapstructure:"allowed_days_of_week" json:"allowedDaysOfWeek,omitempty"`
	AllowOutsideWindow bool     `mapstructure:"allow_outside_window" json:"allowOutsideWindow"`
}

// Policy evaluates a maintenance window at minute resolution. Boundaries are
// inclusive, and a window whose start is after its end spans midnight.
type Policy struct {
	configured   bool
	start, end   int
	days         map[time.Weekday]bool
	allowOutside bool
}

// NewPolicy validates cfg. A config with neither start nor end set yields a
// policy that is always open.
func NewPolicy(cfg Config) (*Policy, error) {
	p := &Policy{allowOutside: cfg.AllowOutsideWindow}

	startStr, endStr := strings.TrimSpace(cfg.Start), strings.TrimSpace(cfg.End)
	if startStr != "" || endStr != "" {
		if startStr == "" || endStr == "" {
			return nil, fmt.Errorf("maintenance window needs both start and end, got %q-%q", cfg.Start, cfg.End)
		}
		start, err := parseClock(startStr)
		if err != nil {
			return nil, fmt.Errorf("invalid maintenance start time %q: %w", cfg.Start, err)
		}
		end, err := parseClock(endStr)
		if err != nil {
			return nil, fmt.Errorf("invalid maintenance end time %q: %w", cfg.End, err)
		}
		p.configured = true
		p.start, p.end = start, end
	}

	if len(cfg.AllowedDaysOfWeek) > 0 {
		p.days = make(map[time.Weekday]bool, len(cfg.AllowedDaysOfWeek))
		for _, d := range cfg.AllowedDaysOfWeek {
			wd, err := ParseWeekday(d)
			if err != nil {
				return nil, err
			}
			p.days[wd] = true
		}
	}
	return p, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ParseWeekday accepts full or three-letter English day names, any case.
func ParseWeekday(s string) (time.Weekday, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if n == full || n == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown day of week %q", s)
}

// Configured reports whether a time-of-day window is set.
func (p *Policy) Configured() bool {
	return p != nil && p.configured
}

func (p *Policy) crossesMidnight() bool {
	return p.start > p.end
}

// IsWithinWindow reports whether now falls inside the window. With no window
// configured every time is inside. When days are restricted, the day checked
// is the one on which the current window opened, so 01:00 Saturday belongs
// to Friday's 22:00-02:00 window.
func (p *Policy) IsWithinWindow(now time.Time) bool {
	if p == nil {
		return true
	}
	minute := now.Hour()*60 + now.Minute()
	openedOn := now.Weekday()

	if p.configured {
		if p.crossesMidnight() {
			switch {
			case minute >= p.start:
			case minute <= p.end:
				openedOn = (openedOn + 6) % 7
			default:
				return false
			}
		} else if minute < p.start || minute > p.end {
			return false
		}
	}

	if p.days != nil && !p.days[openedOn] {
		return false
	}
	return true
}

// ShouldBypassWindow reports whether pkg installs regardless of the window.
func (p *Policy) ShouldBypassWindow(pkg release.Package) bool {
	return pkg.IsCritical
}

// Permits combines the window with the package's override flags and the
// allow-outside-window switch.
func (p *Policy) Permits(now time.Time, pkg release.Package) bool {
	if p != nil && p.allowOutside {
		return true
	}
	if p.ShouldBypassWindow(pkg) || pkg.IsRequired {
		return true
	}
	return p.IsWithinWindow(now)
}

// NextOpening returns the earliest time at or after now at which the window
// is open. It returns now when the window is already open.
func (p *Policy) NextOpening(now time.Time) time.Time {
	if p.IsWithinWindow(now) {
		return now
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for d := 0; d <= 7; d++ {
		day := midnight.AddDate(0, 0, d)
		offset := 0
		if p.configured {
			offset = p.start
		}
		candidate := day.Add(time.Duration(offset) * time.Minute)
		if candidate.Before(now) {
			continue
		}
		if p.days == nil || p.days[candidate.Weekday()] {
			return candidate
		}
	}
	return time.Time{}
}

// String renders the window for status output.
func (p *Policy) String() string {
	if p == nil || !p.configured {
		return "always"
	}
	s := fmt.Sprintf("%02d:%02d-%02d:%02d", p.start/60, p.start%60, p.end/60, p.end%60)
	if p.days != nil {
		var names []string
		for d := time.Sunday; d <= time.Saturday; d++ {
			if p.days[d] {
				names = append(names, d.String()[:3])
			}
		}
		s += " " + strings.Join(names, ",")
	}
	return s
}
