package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"air-quality-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	PurpleAir PurpleAirConfig `mapstructure:"purpleair"`
	Sampling  SamplingConfig  `mapstructure:"sampling"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs sampling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToTick     bool          `mapstructure:"align_to_tick"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// BoundingBox delimits the regional sensor query.
// Order follows the sensor API: northwest lng/lat, southeast lng/lat.
type BoundingBox struct {
	NWLng float64 `mapstructure:"nwlng"`
	NWLat float64 `mapstructure:"nwlat"`
	SELng float64 `mapstructure:"selng"`
	SELat float64 `mapstructure:"selat"`
}

// PurpleAirConfig covers sensor API access.
type PurpleAirConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	LocalSensorIndex int           `mapstructure:"local_sensor_index"`
	BBox             BoundingBox   `mapstructure:"bbox"`
	MaxSampleAge     time.Duration `mapstructure:"max_sample_age"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// SamplingConfig bounds the rolling reading window.
type SamplingConfig struct {
	RetentionWindow time.Duration `mapstructure:"retention_window"`
	MinTrendSpan    time.Duration `mapstructure:"min_trend_span"`
}

// AlertWindowConfig is one local-time alert window.
type AlertWindowConfig struct {
	Name      string `mapstructure:"name"`
	Start     string `mapstructure:"start"`
	End       string `mapstructure:"end"`
	Threshold int    `mapstructure:"threshold"`
}

// AlertingConfig defines alert windows, thresholds and the cooldown.
type AlertingConfig struct {
	Enabled      bool                `mapstructure:"enabled"`
	Timezone     string              `mapstructure:"timezone"`
	WeekdaysOnly bool                `mapstructure:"weekdays_only"`
	Cooldown     time.Duration       `mapstructure:"cooldown"`
	Windows      []AlertWindowConfig `mapstructure:"windows"`
}

// SubscriberConfig is one alert recipient with channel subscriptions.
type SubscriberConfig struct {
	ID       string   `mapstructure:"id"`
	Phone    string   `mapstructure:"phone"`
	Email    string   `mapstructure:"email"`
	Channels []string `mapstructure:"channels"`
}

// TwilioConfig describes the text channel client.
type TwilioConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	AccountSID     string        `mapstructure:"account_sid"`
	AuthToken      string        `mapstructure:"auth_token"`
	FromNumber     string        `mapstructure:"from_number"`
	APIBase        string        `mapstructure:"api_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SMTPConfig describes the email channel client.
type SMTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// NotifyConfig routes alerts to subscribers.
type NotifyConfig struct {
	Subscribers []SubscriberConfig `mapstructure:"subscribers"`
	Twilio      TwilioConfig       `mapstructure:"twilio"`
	SMTP        SMTPConfig         `mapstructure:"smtp"`
}

// MetricsConfig gates the prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AQNOTIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "aqnotify")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "2m")
	v.SetDefault("scheduler.align_to_tick", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x41514e4f))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("purpleair.base_url", "https://api.purpleair.com/v1")
	v.SetDefault("purpleair.max_sample_age", "10m")
	v.SetDefault("purpleair.request_timeout", "10s")
	v.SetDefault("purpleair.user_agent", "aqnotify/1.0")

	v.SetDefault("sampling.retention_window", "30m")
	v.SetDefault("sampling.min_trend_span", "2m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.timezone", "America/Los_Angeles")
	v.SetDefault("alerting.weekdays_only", true)
	v.SetDefault("alerting.cooldown", "8h")
	v.SetDefault("alerting.windows", []map[string]any{
		{"name": "morning", "start": "05:30:00", "end": "07:59:59", "threshold": 125},
		{"name": "day", "start": "08:00:00", "end": "16:00:00", "threshold": 140},
	})

	v.SetDefault("notify.twilio.enabled", false)
	v.SetDefault("notify.twilio.api_base", "https://api.twilio.com")
	v.SetDefault("notify.twilio.request_timeout", "10s")
	v.SetDefault("notify.smtp.enabled", false)
	v.SetDefault("notify.smtp.port", 587)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9180")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Sampling.RetentionWindow <= 0 {
		return fmt.Errorf("sampling.retention_window must be greater than zero")
	}
	if c.Sampling.MinTrendSpan < 0 {
		return fmt.Errorf("sampling.min_trend_span cannot be negative")
	}
	if c.Alerting.Timezone == "" {
		return fmt.Errorf("alerting.timezone must be set")
	}
	if c.Alerting.Cooldown <= 0 {
		return fmt.Errorf("alerting.cooldown must be greater than zero")
	}
	if len(c.Alerting.Windows) == 0 {
		return fmt.Errorf("alerting.windows must define at least one window")
	}
	for _, w := range c.Alerting.Windows {
		if w.Start == "" || w.End == "" {
			return fmt.Errorf("alerting window %q needs start and end times", w.Name)
		}
		if w.Threshold <= 0 {
			return fmt.Errorf("alerting window %q needs a positive threshold", w.Name)
		}
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Notify.Twilio.Enabled {
		if c.Notify.Twilio.AccountSID == "" || c.Notify.Twilio.AuthToken == "" {
			return fmt.Errorf("notify.twilio.account_sid and auth_token must be configured")
		}
		if c.Notify.Twilio.FromNumber == "" {
			return fmt.Errorf("notify.twilio.from_number must be configured")
		}
	}
	if c.Notify.SMTP.Enabled {
		if c.Notify.SMTP.Host == "" {
			return fmt.Errorf("notify.smtp.host must be configured")
		}
		if c.Notify.SMTP.From == "" {
			return fmt.Errorf("notify.smtp.from must be configured")
		}
	}
	for _, s := range c.Notify.Subscribers {
		if s.ID == "" {
			return fmt.Errorf("every subscriber needs an id")
		}
		for _, ch := range s.Channels {
			if ch != "text" && ch != "email" {
				return fmt.Errorf("subscriber %q: unknown channel %q", s.ID, ch)
			}
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
