// Package config loads runtime configuration from an optional .env file and
// the process environment, with defaults matching a stock deployment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/sweets9/checkmounts/pkg/mount"
	"github.com/sweets9/checkmounts/pkg/notify"
)

// DefaultEnvFile is the config file looked for when --env-file is not given.
const DefaultEnvFile = ".env"

// Config holds everything tunable at runtime. Environment variables use the
// upper-cased key names (EMAIL_SERVER, SETTLE_DELAY, ...) and override the
// .env file.
type Config struct {
	SendNotifications bool     `mapstructure:"send_notifications"`
	EmailServer       string   `mapstructure:"email_server"`
	EmailPort         int      `mapstructure:"email_port"`
	EmailFrom         string   `mapstructure:"email_from"`
	EmailTo           []string `mapstructure:"email_to"`
	EmailUsername     string   `mapstructure:"email_username"`
	EmailPassword     string   `mapstructure:"email_password"`
	EmailTLS          bool     `mapstructure:"email_tls"`

	NotifyShareDown     bool `mapstructure:"notify_share_down"`
	NotifyStaleHandle   bool `mapstructure:"notify_stale_handle"`
	NotifyResidualFiles bool `mapstructure:"notify_residual_files"`
	NotifyRemountResult bool `mapstructure:"notify_remount_result"`
	NotifyScriptErrors  bool `mapstructure:"notify_script_errors"`
	NotifyDebugOutput   bool `mapstructure:"notify_debug_output"`

	FstabPath      string        `mapstructure:"fstab_path"`
	SentinelFile   string        `mapstructure:"sentinel_file"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	MaxRetries     int           `mapstructure:"max_retries"`
	MaxListing     int           `mapstructure:"max_listing"`
	UnmountTimeout time.Duration `mapstructure:"unmount_timeout"`
	MountTimeout   time.Duration `mapstructure:"mount_timeout"`

	CronSchedule   string `mapstructure:"cron_schedule"`
	WatchFstab     bool   `mapstructure:"watch_fstab"`
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	SNMPTrapAddr   string `mapstructure:"snmp_trap_addr"`
	SNMPCommunity  string `mapstructure:"snmp_community"`
	BreakerEnabled bool   `mapstructure:"breaker_enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("send_notifications", true)
	v.SetDefault("email_server", "mail")
	v.SetDefault("email_port", 25)
	v.SetDefault("email_from", "noreply@example.com")
	v.SetDefault("email_to", "admin@example.com")
	v.SetDefault("email_username", "")
	v.SetDefault("email_password", "")
	v.SetDefault("email_tls", false)

	v.SetDefault("notify_share_down", true)
	v.SetDefault("notify_stale_handle", true)
	v.SetDefault("notify_residual_files", true)
	v.SetDefault("notify_remount_result", true)
	v.SetDefault("notify_script_errors", true)
	v.SetDefault("notify_debug_output", false)

	v.SetDefault("fstab_path", "/etc/fstab")
	v.SetDefault("sentinel_file", ".checkMount")
	v.SetDefault("settle_delay", "2s")
	v.SetDefault("max_retries", 3)
	v.SetDefault("max_listing", 20)
	v.SetDefault("unmount_timeout", "30s")
	v.SetDefault("mount_timeout", "60s")

	v.SetDefault("cron_schedule", "*/5 * * * *")
	v.SetDefault("watch_fstab", false)
	v.SetDefault("pushgateway_url", "")
	v.SetDefault("snmp_trap_addr", "")
	v.SetDefault("snmp_community", "public")
	v.SetDefault("breaker_enabled", true)
}

// Load builds the configuration from defaults, the .env-format file at path
// (skipped when absent; the file is a non-critical override), and the
// process environment, which wins over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			if os.IsNotExist(err) {
				klog.V(2).Infof("No config file at %s, using environment and defaults", path)
			} else {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else {
			klog.V(2).Infof("Loaded configuration from %s", path)
		}
	}

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the run cannot work with.
func (c *Config) Validate() error {
	if c.SendNotifications {
		if c.EmailServer == "" {
			return fmt.Errorf("EMAIL_SERVER is required when notifications are enabled")
		}
		if c.EmailPort <= 0 || c.EmailPort > 65535 {
			return fmt.Errorf("EMAIL_PORT %d is out of range", c.EmailPort)
		}
		if c.EmailFrom == "" {
			return fmt.Errorf("EMAIL_FROM is required when notifications are enabled")
		}
		if len(c.Recipients()) == 0 {
			return fmt.Errorf("EMAIL_TO must list at least one recipient when notifications are enabled")
		}
	}

	if c.FstabPath == "" {
		return fmt.Errorf("FSTAB_PATH must not be empty")
	}
	if c.SentinelFile == "" || strings.Contains(c.SentinelFile, "/") {
		return fmt.Errorf("SENTINEL_FILE %q must be a bare filename", c.SentinelFile)
	}
	if c.SettleDelay <= 0 {
		return fmt.Errorf("SETTLE_DELAY must be positive, got %s", c.SettleDelay)
	}
	if c.UnmountTimeout <= 0 {
		return fmt.Errorf("UNMOUNT_TIMEOUT must be positive, got %s", c.UnmountTimeout)
	}
	if c.MountTimeout <= 0 {
		return fmt.Errorf("MOUNT_TIMEOUT must be positive, got %s", c.MountTimeout)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.MaxListing < 1 {
		return fmt.Errorf("MAX_LISTING must be at least 1, got %d", c.MaxListing)
	}

	if _, err := cron.ParseStandard(c.CronSchedule); err != nil {
		return fmt.Errorf("CRON_SCHEDULE %q is invalid: %w", c.CronSchedule, err)
	}

	return nil
}

// Recipients returns the EMAIL_TO list with blanks trimmed away.
func (c *Config) Recipients() []string {
	out := make([]string, 0, len(c.EmailTo))
	for _, to := range c.EmailTo {
		if to = strings.TrimSpace(to); to != "" {
			out = append(out, to)
		}
	}
	return out
}

// Gates maps the NOTIFY_* switches onto notification categories.
func (c *Config) Gates() notify.Gates {
	return notify.Gates{
		notify.CategoryShareDown:     c.NotifyShareDown,
		notify.CategoryStaleHandle:   c.NotifyStaleHandle,
		notify.CategoryResidualFiles: c.NotifyResidualFiles,
		notify.CategoryRemountResult: c.NotifyRemountResult,
		notify.CategoryScriptErrors:  c.NotifyScriptErrors,
		notify.CategoryDebugOutput:   c.NotifyDebugOutput,
	}
}

// SMTP returns the mail relay settings.
func (c *Config) SMTP() notify.SMTPConfig {
	return notify.SMTPConfig{
		Host:     c.EmailServer,
		Port:     c.EmailPort,
		Username: c.EmailUsername,
		Password: c.EmailPassword,
		From:     c.EmailFrom,
		To:       c.Recipients(),
		TLS:      c.EmailTLS,
	}
}

// MountConfig folds the tunable knobs into the mount operation defaults.
// SETTLE_DELAY doubles as the remount backoff base; both waits share the
// one knob.
func (c *Config) MountConfig() mount.Config {
	mc := mount.DefaultConfig()
	mc.SentinelName = c.SentinelFile
	mc.SettleDelay = c.SettleDelay
	mc.RetryDelay = c.SettleDelay
	mc.MaxRetries = c.MaxRetries
	mc.MaxListing = c.MaxListing
	mc.UnmountTimeout = c.UnmountTimeout
	mc.MountTimeout = c.MountTimeout
	return mc
}
