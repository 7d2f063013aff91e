package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/breeze-rmm/updater/internal/backup/providers"
	"github.com/breeze-rmm/updater/internal/maintenance"
)

const (
	envPrefix  = "BREEZE_UPDATER"
	configName = "updater"
)

type Config struct {
	Enabled                  bool     `mapstructure:"enabled"`
	CheckIntervalMinutes     int      `mapstructure:"check_interval_minutes"`
	DownloadTimeoutMinutes   int      `mapstructure:"download_timeout_minutes"`
	InstallTimeoutMinutes    int      `mapstructure:"install_timeout_minutes"`
	InstallerBusyWaitSeconds int      `mapstructure:"installer_busy_wait_seconds"`
	MaxRetryAttempts         int      `mapstructure:"max_retry_attempts"`
	RetryBackoffBase         float64  `mapstructure:"retry_backoff_base"`
	BackupEnabled            bool     `mapstructure:"backup_enabled"`
	AutoUpdate               bool     `mapstructure:"auto_update"`
	VerifySignatures         bool     `mapstructure:"verify_signatures"`
	TrustedPublishers        []string `mapstructure:"trusted_publishers"`

	MaintenanceWindow maintenance.Config `mapstructure:"maintenance_window"`

	DownloadPath      string   `mapstructure:"download_path"`
	BackupPath        string   `mapstructure:"backup_path"`
	APIBaseURL        string   `mapstructure:"api_base_url"`
	UpdatesEndpoint   string   `mapstructure:"updates_endpoint"`
	AuthToken         string   `mapstructure:"auth_token"`
	Channel           string   `mapstructure:"channel"`
	IncludePrerelease bool     `mapstructure:"include_prerelease"`
	ExcludedVersions  []string `mapstructure:"excluded_versions"`

	CurrentVersion        string   `mapstructure:"current_version"`
	InstallPath           string   `mapstructure:"install_path"`
	ProductID             string   `mapstructure:"product_id"`
	BackupExclude         []string `mapstructure:"backup_exclude"`
	BackupRetentionDays   int      `mapstructure:"backup_retention_days"`
	DownloadRetentionDays int      `mapstructure:"download_retention_days"`
	HistoryRetention      int      `mapstructure:"history_retention"`
	RestartAfterInstall   bool     `mapstructure:"restart_after_install"`
	ServiceName           string   `mapstructure:"service_name"`
	StateDBPath           string   `mapstructure:"state_db_path"`

	AuditEnabled    bool `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups"`

	StatusListen string `mapstructure:"status_listen"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`

	BackupMirror providers.MirrorConfig `mapstructure:"backup_mirror"`
}

func Default() *Config {
	dataDir := GetDataDir()
	return &Config{
		Enabled:                  true,
		CheckIntervalMinutes:     60,
		DownloadTimeoutMinutes:   30,
		InstallTimeoutMinutes:    30,
		InstallerBusyWaitSeconds: 300,
		MaxRetryAttempts:         3,
		RetryBackoffBase:         2,
		BackupEnabled:            true,
		AutoUpdate:               true,
		VerifySignatures:         true,
		TrustedPublishers:        []string{"Breeze RMM"},
		DownloadPath:             filepath.Join(dataDir, "downloads"),
		BackupPath:               filepath.Join(dataDir, "backups"),
		UpdatesEndpoint:          "/api/v1/agent/updates",
		Channel:                  "stable",
		InstallPath:              defaultInstallPath(),
		ProductID:                "breeze-agent",
		BackupRetentionDays:      30,
		DownloadRetentionDays:    7,
		HistoryRetention:         200,
		RestartAfterInstall:      true,
		ServiceName:              defaultServiceName(),
		StateDBPath:              filepath.Join(dataDir, "state.db"),
		AuditEnabled:             true,
		AuditMaxSizeMB:           50,
		AuditMaxBackups:          3,
		StatusListen:             defaultStatusListen(),
		LogLevel:                 "info",
		LogFormat:                "text",
		LogMaxSizeMB:             50,
		LogMaxBackups:            3,
		LogMaxAgeDays:            28,
	}
}

// newViper returns a viper instance preloaded with defaults, the env
// binding and the config file location.
func newViper(cfgFile string) *viper.Viper {
	v := viper.New()
	for k, val := range settings(Default()) {
		v.SetDefault(k, val)
	}
	v.RegisterAlias("auto_install", "auto_update")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func Load(cfgFile string) (*Config, error) {
	v := newViper(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	for k, val := range settings(cfg) {
		v.Set(k, val)
	}

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), configName+".yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access (contains auth token)
	return os.Chmod(cfgPath, 0600)
}

// settings flattens cfg into viper keys.
func settings(cfg *Config) map[string]any {
	mw := cfg.MaintenanceWindow
	bm := cfg.BackupMirror
	return map[string]any{
		"enabled":                                 cfg.Enabled,
		"check_interval_minutes":                  cfg.CheckIntervalMinutes,
		"download_timeout_minutes":                cfg.DownloadTimeoutMinutes,
		"install_timeout_minutes":                 cfg.InstallTimeoutMinutes,
		"installer_busy_wait_seconds":             cfg.InstallerBusyWaitSeconds,
		"max_retry_attempts":                      cfg.MaxRetryAttempts,
		"retry_backoff_base":                      cfg.RetryBackoffBase,
		"backup_enabled":                          cfg.BackupEnabled,
		"auto_update":                             cfg.AutoUpdate,
		"verify_signatures":                       cfg.VerifySignatures,
		"trusted_publishers":                      cfg.TrustedPublishers,
		"maintenance_window.start":                mw.Start,
		"maintenance_window.end":                  mw.End,
		"maintenance_window.allowed_days_of_week": mw.AllowedDaysOfWeek,
		"maintenance_window.allow_outside_window": mw.AllowOutsideWindow,
		"download_path":                           cfg.DownloadPath,
		"backup_path":                             cfg.BackupPath,
		"api_base_url":                            cfg.APIBaseURL,
		"updates_endpoint":                        cfg.UpdatesEndpoint,
		"auth_token":                              cfg.AuthToken,
		"channel":                                 cfg.Channel,
		"include_prerelease":                      cfg.IncludePrerelease,
		"excluded_versions":                       cfg.ExcludedVersions,
		"current_version":                         cfg.CurrentVersion,
		"install_path":                            cfg.InstallPath,
		"product_id":                              cfg.ProductID,
		"backup_exclude":                          cfg.BackupExclude,
		"backup_retention_days":                   cfg.BackupRetentionDays,
		"download_retention_days":                 cfg.DownloadRetentionDays,
		"history_retention":                       cfg.HistoryRetention,
		"restart_after_install":                   cfg.RestartAfterInstall,
		"service_name":                            cfg.ServiceName,
		"state_db_path":                           cfg.StateDBPath,
		"audit_enabled":                           cfg.AuditEnabled,
		"audit_max_size_mb":                       cfg.AuditMaxSizeMB,
		"audit_max_backups":                       cfg.AuditMaxBackups,
		"status_listen":                           cfg.StatusListen,
		"log_level":                               cfg.LogLevel,
		"log_format":                              cfg.LogFormat,
		"log_file":                                cfg.LogFile,
		"log_max_size_mb":                         cfg.LogMaxSizeMB,
		"log_max_backups":                         cfg.LogMaxBackups,
		"log_max_age_days":                        cfg.LogMaxAgeDays,
		"backup_mirror.provider":                  bm.Provider,
		"backup_mirror.bucket":                    bm.Bucket,
		"backup_mirror.region":                    bm.Region,
		"backup_mirror.prefix":                    bm.Prefix,
		"backup_mirror.endpoint":                  bm.Endpoint,
		"backup_mirror.account":                   bm.Account,
		"backup_mirror.container":                 bm.Container,
		"backup_mirror.credentials_file":          bm.CredentialsFile,
		"backup_mirror.key_id":                    bm.KeyID,
		"backup_mirror.key_secret":                bm.KeySecret,
		"backup_mirror.base_path":                 bm.BasePath,
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze")
	case "darwin":
		return "/Library/Application Support/Breeze"
	default:
		return "/etc/breeze"
	}
}

// ConfigDir returns the platform directory searched for updater.yaml.
func ConfigDir() string {
	return configDir()
}

// GetDataDir returns the directory for downloads, backups, state and audit
// files.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze", "updater")
	case "darwin":
		return "/Library/Application Support/Breeze/updater"
	default:
		return "/var/lib/breeze-updater"
	}
}

func defaultInstallPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramFiles"), "Breeze")
	case "darwin":
		return "/Library/Application Support/Breeze/agent"
	default:
		return "/opt/breeze"
	}
}

func defaultStatusListen() string {
	if runtime.GOOS == "windows" {
		return `npipe://\\.\pipe\breeze-updater`
	}
	return "unix:///var/run/breeze-updater.sock"
}

func defaultServiceName() string {
	if runtime.GOOS == "windows" {
		return "BreezeAgent"
	}
	return "breeze-agent"
}
