package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"unicode"

	"github.com/breeze-rmm/updater/internal/maintenance"
	"github.com/breeze-rmm/updater/internal/semver"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var knownMirrorProviders = map[string]bool{
	"":       true,
	"local":  true,
	"s3":     true,
	"azure":  true,
	"azblob": true,
	"gcs":    true,
	"b2":     true,
}

// ValidationResult separates errors that must stop startup from values that
// were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// Err joins the fatals, or returns nil.
func (r ValidationResult) Err() error {
	return errors.Join(r.Fatals...)
}

// Validate checks the config and returns every problem found. Out-of-range
// numbers are clamped; see ValidateTiered for which errors are fatal.
func (c *Config) Validate() []error {
	return c.ValidateTiered().AllErrors()
}

// ValidateTiered checks the config. Values the updater cannot run with
// (unparseable URLs, windows, exclusions) are fatal. Numeric settings out of
// range are clamped and reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	fatal := func(err error) { r.Fatals = append(r.Fatals, err) }
	warn := func(err error) { r.Warnings = append(r.Warnings, err) }

	if c.APIBaseURL != "" {
		u, err := url.Parse(c.APIBaseURL)
		if err != nil {
			fatal(fmt.Errorf("api_base_url %q is not a valid URL: %w", c.APIBaseURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			fatal(fmt.Errorf("api_base_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	if c.AuthToken != "" {
		for _, ch := range c.AuthToken {
			if unicode.IsControl(ch) {
				fatal(errors.New("auth_token contains control characters"))
				break
			}
		}
	}

	if _, err := maintenance.NewPolicy(c.MaintenanceWindow); err != nil {
		fatal(fmt.Errorf("maintenance_window: %w", err))
	}
	if _, err := semver.NewExclusionList(c.ExcludedVersions); err != nil {
		fatal(fmt.Errorf("excluded_versions: %w", err))
	}
	if c.CurrentVersion != "" {
		if _, err := semver.Parse(c.CurrentVersion); err != nil {
			fatal(fmt.Errorf("current_version: %w", err))
		}
	}

	provider := strings.ToLower(strings.TrimSpace(c.BackupMirror.Provider))
	if !knownMirrorProviders[provider] {
		fatal(fmt.Errorf("backup_mirror.provider %q is not supported (use local, s3, azure, gcs or b2)", c.BackupMirror.Provider))
	}

	if c.StatusListen != "" {
		if err := validateListen(c.StatusListen); err != nil {
			fatal(err)
		}
	}

	c.CheckIntervalMinutes = clampInt(warn, "check_interval_minutes", c.CheckIntervalMinutes, 5, 10080)
	c.DownloadTimeoutMinutes = clampInt(warn, "download_timeout_minutes", c.DownloadTimeoutMinutes, 1, 240)
	c.InstallTimeoutMinutes = clampInt(warn, "install_timeout_minutes", c.InstallTimeoutMinutes, 1, 240)
	c.InstallerBusyWaitSeconds = clampInt(warn, "installer_busy_wait_seconds", c.InstallerBusyWaitSeconds, 0, 3600)
	c.MaxRetryAttempts = clampInt(warn, "max_retry_attempts", c.MaxRetryAttempts, 1, 10)

	if c.RetryBackoffBase < 1 {
		warn(fmt.Errorf("retry_backoff_base %g is below minimum 1, clamping", c.RetryBackoffBase))
		c.RetryBackoffBase = 1
	} else if c.RetryBackoffBase > 10 {
		warn(fmt.Errorf("retry_backoff_base %g exceeds maximum 10, clamping", c.RetryBackoffBase))
		c.RetryBackoffBase = 10
	}

	if c.VerifySignatures && len(c.TrustedPublishers) == 0 {
		warn(errors.New("verify_signatures is set but trusted_publishers is empty; every signed package will be rejected"))
	}

	if c.BackupRetentionDays < 0 {
		warn(fmt.Errorf("backup_retention_days %d is negative, disabling pruning", c.BackupRetentionDays))
		c.BackupRetentionDays = 0
	}
	if c.DownloadRetentionDays < 0 {
		warn(fmt.Errorf("download_retention_days %d is negative, disabling cleanup", c.DownloadRetentionDays))
		c.DownloadRetentionDays = 0
	}
	if c.HistoryRetention < 0 {
		warn(fmt.Errorf("history_retention %d is negative, keeping all history", c.HistoryRetention))
		c.HistoryRetention = 0
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn(fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn(fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return r
}

func clampInt(warn func(error), name string, v, lo, hi int) int {
	if v < lo {
		warn(fmt.Errorf("%s %d is below minimum %d, clamping", name, v, lo))
		return lo
	}
	if v > hi {
		warn(fmt.Errorf("%s %d exceeds maximum %d, clamping", name, v, hi))
		return hi
	}
	return v
}

// validateListen accepts unix://path, npipe://\\.\pipe\name and tcp://host:port.
func validateListen(addr string) error {
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok {
		return fmt.Errorf("status_listen %q must be scheme://address", addr)
	}
	switch scheme {
	case "unix", "npipe", "tcp":
	default:
		return fmt.Errorf("status_listen scheme must be unix, npipe or tcp, got %q", scheme)
	}
	if strings.TrimSpace(rest) == "" {
		return fmt.Errorf("status_listen %q has no address", addr)
	}
	if scheme == "tcp" {
		host, _, err := net.SplitHostPort(rest)
		if err != nil {
			return fmt.Errorf("status_listen %q: %w", addr, err)
		}
		if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			return fmt.Errorf("status_listen %q must use a loopback host", addr)
		}
	}
	return nil
}
