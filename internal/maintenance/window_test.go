package maintenance

import (
	"testing"
	"time"

	"github.com/breeze-rmm/updater/internal/release"
)

// 2026-03-06 is a Friday.
func at(day, hour, minute int) time.Time {
	return time.Date(2026, 3, day, hour, minute, 30, 0, time.UTC)
}

func mustPolicy(t *testing.T, cfg Config) *Policy {
	t.Helper()
	p, err := NewPolicy(cfg)
	if err != nil {
		t.Fatalf("NewPolicy(%+v): %v", cfg, err)
	}
	return p
}

func TestSameDayWindowInclusiveBoundaries(t *testing.T) {
	p := mustPolicy(t, Config{Start: "02:00", End: "05:00"})
	tests := []struct {
		now  time.Time
		want bool
	}{
		{at(6, 2, 0), true},
		{at(6, 5, 0), true},
		{at(6, 3, 30), true},
		{at(6, 1, 59), false},
		{at(6, 5, 1), false},
		{at(6, 12, 0), false},
	}
	for _, tt := range tests {
		if got := p.IsWithinWindow(tt.now); got != tt.want {
			t.Errorf("IsWithinWindow(%s) = %v, want %v", tt.now.Format("15:04"), got, tt.want)
		}
	}
}

func TestMidnightCrossingWindow(t *testing.T) {
	p := mustPolicy(t, Config{Start: "22:00", End: "02:00"})
	tests := []struct {
		now  time.Time
		want bool
	}{
		{at(6, 23, 30), true},
		{at(6, 1, 0), true},
		{at(6, 22, 0), true},
		{at(6, 2, 0), true},
		{at(6, 12, 0), false},
		{at(6, 2, 1), false},
		{at(6, 21, 59), false},
	}
	for _, tt := range tests {
		if got := p.IsWithinWindow(tt.now); got != tt.want {
			t.Errorf("IsWithinWindow(%s) = %v, want %v", tt.now.Format("15:04"), got, tt.want)
		}
	}
}

func TestNoWindowAlwaysOpen(t *testing.T) {
	p := mustPolicy(t, Config{})
	if !p.IsWithinWindow(at(6, 12, 0)) {
		t.Fatal("unconfigured window should be open")
	}
	if p.Configured() {
		t.Fatal("Configured() should be false")
	}
	var nilPolicy *Policy
	if !nilPolicy.IsWithinWindow(at(6, 12, 0)) {
		t.Fatal("nil policy should be open")
	}
}

func TestAllowedDaysUsesOpeningDay(t *testing.T) {
	p := mustPolicy(t, Config{Start: "22:00", End: "02:00", AllowedDaysOfWeek: []string{"Friday"}})

	if !p.IsWithinWindow(at(6, 23, 0)) {
		t.Fatal("Friday 23:00 should be inside Friday's window")
	}
	if !p.IsWithinWindow(at(7, 1, 0)) {
		t.Fatal("Saturday 01:00 belongs to Friday's window")
	}
	if p.IsWithinWindow(at(7, 23, 0)) {
		t.Fatal("Saturday 23:00 opens Saturday's window, which is not allowed")
	}
	if p.IsWithinWindow(at(6, 1, 0)) {
		t.Fatal("Friday 01:00 belongs to Thursday's window")
	}
}

func TestDaysWithoutTimeWindow(t *testing.T) {
	p := mustPolicy(t, Config{AllowedDaysOfWeek: []string{"sat", "SUN"}})
	if p.IsWithinWindow(at(6, 10, 0)) {
		t.Fatal("Friday should be outside")
	}
	if !p.IsWithinWindow(at(7, 10, 0)) {
		t.Fatal("Saturday should be inside")
	}
}

func TestNewPolicyRejectsBadInput(t *testing.T) {
	bad := []Config{
		{Start: "25:00", End: "02:00"},
		{Start: "22:00"},
		{Start: "22:00", End: "2am"},
		{AllowedDaysOfWeek: []string{"Funday"}},
	}
	for _, cfg := range bad {
		if _, err := NewPolicy(cfg); err == nil {
			t.Errorf("NewPolicy(%+v) should fail", cfg)
		}
	}
}

func TestShouldBypassWindowAndPermits(t *testing.T) {
	p := mustPolicy(t, Config{Start: "02:00", End: "04:00"})
	noon := at(6, 12, 0)

	if !p.ShouldBypassWindow(release.Package{IsCritical: true}) {
		t.Fatal("critical package should bypass window")
	}
	if p.ShouldBypassWindow(release.Package{IsRequired: true}) {
		t.Fatal("required alone does not bypass via ShouldBypassWindow")
	}
	if p.Permits(noon, release.Package{}) {
		t.Fatal("ordinary package outside window should not be permitted")
	}
	if !p.Permits(noon, release.Package{IsRequired: true}) {
		t.Fatal("required package should be permitted outside window")
	}
	if !p.Permits(noon, release.Package{IsCritical: true}) {
		t.Fatal("critical package should be permitted outside window")
	}

	open := mustPolicy(t, Config{Start: "02:00", End: "04:00", AllowOutsideWindow: true})
	if !open.Permits(noon, release.Package{}) {
		t.Fatal("allowOutsideWindow should permit any time")
	}
}

func TestNextOpening(t *testing.T) {
	p := mustPolicy(t, Config{Start: "02:00", End: "04:00", AllowedDaysOfWeek: []string{"monday"}})
	now := at(6, 12, 0) // Friday
	next := p.NextOpening(now)
	want := time.Date(2026, 3, 9, 2, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("NextOpening = %s, want %s", next, want)
	}

	inside := at(9, 3, 0)
	if got := p.NextOpening(inside); !got.Equal(inside) {
		t.Fatalf("NextOpening inside window = %s, want now", got)
	}
}

func TestString(t *testing.T) {
	p := mustPolicy(t, Config{Start: "22:00", End: "02:30", AllowedDaysOfWeek: []string{"fri", "mon"}})
	if got := p.String(); got != "22:00-02:30 Mon,Fri" {
		t.Fatalf("String() = %q", got)
	}
}
