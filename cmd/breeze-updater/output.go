package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/breeze-rmm/updater/internal/health"
	"github.com/breeze-rmm/updater/internal/state"
	"github.com/breeze-rmm/updater/internal/statusserver"
	"github.com/breeze-rmm/updater/internal/updater"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func when(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format(time.RFC3339), humanize.Time(t))
}

func printSession(resp statusserver.StatusResponse) error {
	if asJSON {
		return printJSON(resp)
	}
	s := resp.Session
	fmt.Printf("State:        %s\n", s.State)
	if s.Message != "" {
		fmt.Printf("Message:      %s\n", s.Message)
	}
	fmt.Printf("Current:      %s\n", s.CurrentVersion)
	if s.AvailableVersion != nil {
		line := s.AvailableVersion.String()
		if p := s.PackageInfo; p != nil {
			var flags []string
			if p.IsCritical {
				flags = append(flags, "critical")
			}
			if p.IsRequired {
				flags = append(flags, "required")
			}
			if p.SizeBytes > 0 {
				flags = append(flags, humanize.IBytes(uint64(p.SizeBytes)))
			}
			if len(flags) > 0 {
				line += " (" + strings.Join(flags, ", ") + ")"
			}
		}
		fmt.Printf("Available:    %s\n", line)
	}
	fmt.Printf("Last check:   %s\n", when(s.LastCheckedAt))
	if s.LastSuccessfulUpdateAt != nil {
		fmt.Printf("Last update:  %s\n", when(*s.LastSuccessfulUpdateAt))
	}
	if s.AttemptID != "" {
		fmt.Printf("Attempt:      %s (%s)\n", s.AttemptID, when(s.LastAttemptAt))
	}
	if resp.InProgress {
		fmt.Println("Workflow:     running")
	}
	if s.Metadata.Len() > 0 {
		fmt.Println("Metadata:")
		for _, k := range s.Metadata.Keys() {
			fmt.Printf("  %s: %s\n", k, s.Metadata.Value(k))
		}
	}
	return nil
}

// sessionErr turns a failed outcome into a non-zero exit.
func sessionErr(s updater.Session) error {
	switch s.State {
	case updater.StateFailed:
		return fmt.Errorf("update failed: %s", s.Message)
	case updater.StateRolledBack:
		return fmt.Errorf("update rolled back: %s", s.Message)
	}
	return nil
}

func printHistory(rows []state.HistoryEntry) error {
	if asJSON {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("No update attempts recorded.")
		return nil
	}
	for _, r := range rows {
		fmt.Printf("%s  %-16s %s -> %s", r.FinishedAt.Local().Format("2006-01-02 15:04:05"), r.Outcome, orDash(r.FromVersion), orDash(r.ToVersion))
		if r.ErrorKind != "" {
			fmt.Printf("  [%s]", r.ErrorKind)
		}
		if r.Message != "" {
			fmt.Printf("  %s", r.Message)
		}
		fmt.Printf("  (%s)\n", humanize.RelTime(r.StartedAt, r.FinishedAt, "", "later"))
	}
	return nil
}

func printHealth(resp statusserver.HealthResponse) error {
	if asJSON {
		return printJSON(resp)
	}
	fmt.Printf("Health:       %s\n", resp.Status)
	for _, c := range resp.Checks {
		line := fmt.Sprintf("  %-14s %s", c.Name, c.Status)
		if c.Message != "" {
			line += "  " + c.Message
		}
		fmt.Println(line)
	}
	return nil
}

func healthOf(m *health.Monitor) statusserver.HealthResponse {
	return statusserver.HealthResponse{Status: m.Overall(), Checks: m.All()}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
