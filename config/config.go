/*
Package config loads service configuration with viper.

SOURCES (later wins):
  1. Built-in defaults (setDefaults)
  2. config.yaml in ., ./config or /etc/htcms, or the file passed to Load
  3. Environment variables: HTCMS_ prefix, "." replaced by "_"
     e.g. HTCMS_DATABASE_DSN, HTCMS_BILLING_PENALTY_RATE

An empty auth.jwt_secret runs the API in dev mode where every request acts
as the system administrator.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/DevXPanda/HTCMS-sub001/billing"
	"github.com/DevXPanda/HTCMS-sub001/logging"
	"github.com/DevXPanda/HTCMS-sub001/store/sqlstore"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Log       logging.Config
	Auth      AuthConfig
	Billing   BillingConfig
	Scheduler SchedulerConfig
	Render    RenderConfig
	Seed      SeedConfig
}

type AppConfig struct {
	Name string
	Env  string
	Addr string
}

type DatabaseConfig struct {
	Driver       string // sqlite, postgres
	DSN          string
	LockTimeout  time.Duration
	MaxOpenConns int
}

// Store converts to the sqlstore connection settings.
func (d DatabaseConfig) Store() sqlstore.Config {
	return sqlstore.Config{
		Driver:       d.Driver,
		DSN:          d.DSN,
		LockTimeout:  d.LockTimeout,
		MaxOpenConns: d.MaxOpenConns,
	}
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// DevMode reports whether requests are accepted without a token.
func (a AuthConfig) DevMode() bool { return a.JWTSecret == "" }

type BillingConfig struct {
	PenaltyRate          string // percent of principal, once
	DailyInterestRate    string // percent per day
	FiscalYearDueDays    int
	MonthlyDueDays       int
	WaterBillDueDays     int
	FiscalYearStartMonth int
}

// Options builds engine options; collaborators are left for the caller.
func (b BillingConfig) Options() (billing.Options, error) {
	penalty, err := billing.ParseMoney(b.PenaltyRate)
	if err != nil {
		return billing.Options{}, fmt.Errorf("billing.penalty_rate: %w", err)
	}
	interest, err := billing.ParseMoney(b.DailyInterestRate)
	if err != nil {
		return billing.Options{}, fmt.Errorf("billing.daily_interest_rate: %w", err)
	}
	return billing.Options{
		Rates: &billing.PenaltyRates{PenaltyPercent: penalty, DailyInterestPercent: interest},
		DueDays: billing.DueDays{
			FiscalYear: b.FiscalYearDueDays,
			Monthly:    b.MonthlyDueDays,
			WaterBill:  b.WaterBillDueDays,
		},
		Periods: billing.PeriodConfig{FiscalYearStartMonth: time.Month(b.FiscalYearStartMonth)},
	}, nil
}

type SchedulerConfig struct {
	Enabled  bool
	Interval time.Duration
}

type RenderConfig struct {
	NoticeDir string
}

type SeedConfig struct {
	File string
}

// =============================================================================
// LOADING
// =============================================================================

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "htcms-billing")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.addr", ":8080")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "htcms.db")
	v.SetDefault("database.lock_timeout", "2s")
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "htcms")

	v.SetDefault("billing.penalty_rate", "5")
	v.SetDefault("billing.daily_interest_rate", "0.01")
	v.SetDefault("billing.fiscal_year_due_days", billing.DefaultDueDays.FiscalYear)
	v.SetDefault("billing.monthly_due_days", billing.DefaultDueDays.Monthly)
	v.SetDefault("billing.water_bill_due_days", billing.DefaultDueDays.WaterBill)
	v.SetDefault("billing.fiscal_year_start_month", int(time.April))

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "24h")

	v.SetDefault("render.notice_dir", "")
	v.SetDefault("seed.file", "")
}

// Load reads configuration. path may be empty to search the default
// locations; a missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/htcms")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("HTCMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Addr: v.GetString("app.addr"),
		},
		Database: DatabaseConfig{
			Driver:       v.GetString("database.driver"),
			DSN:          v.GetString("database.dsn"),
			LockTimeout:  v.GetDuration("database.lock_timeout"),
			MaxOpenConns: v.GetInt("database.max_open_conns"),
		},
		Log: logging.Config{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
			Issuer:    v.GetString("auth.issuer"),
		},
		Billing: BillingConfig{
			PenaltyRate:          v.GetString("billing.penalty_rate"),
			DailyInterestRate:    v.GetString("billing.daily_interest_rate"),
			FiscalYearDueDays:    v.GetInt("billing.fiscal_year_due_days"),
			MonthlyDueDays:       v.GetInt("billing.monthly_due_days"),
			WaterBillDueDays:     v.GetInt("billing.water_bill_due_days"),
			FiscalYearStartMonth: v.GetInt("billing.fiscal_year_start_month"),
		},
		Scheduler: SchedulerConfig{
			Enabled:  v.GetBool("scheduler.enabled"),
			Interval: v.GetDuration("scheduler.interval"),
		},
		Render: RenderConfig{NoticeDir: v.GetString("render.notice_dir")},
		Seed:   SeedConfig{File: v.GetString("seed.file")},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if _, err := sqlstore.ParseDialect(c.Database.Driver); err != nil {
		return fmt.Errorf("database.driver: %w", err)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if m := c.Billing.FiscalYearStartMonth; m < 1 || m > 12 {
		return fmt.Errorf("billing.fiscal_year_start_month must be 1-12, got %d", m)
	}
	if c.Billing.FiscalYearDueDays < 0 || c.Billing.MonthlyDueDays < 0 || c.Billing.WaterBillDueDays < 0 {
		return errors.New("billing due days must not be negative")
	}
	opts, err := c.Billing.Options()
	if err != nil {
		return err
	}
	if opts.Rates.PenaltyPercent.IsNegative() || opts.Rates.DailyInterestPercent.IsNegative() {
		return errors.New("billing rates must not be negative")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be positive when enabled")
	}
	return nil
}
