package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	Auth    AuthConfig
	Risk    RiskConfig
	Guard   GuardConfig
	Runtime RuntimeConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port   string
	DBPath string
}

type AuthConfig struct {
	JWTSecret string
}

// RiskConfig holds the global default risk limits. Zero values mean the
// corresponding rule is not enforced unless a per-run override sets it.
type RiskConfig struct {
	MaxOrderNotional   float64
	MaxSymbolRatio     float64
	MaxRunNotional     float64
	MinCashBufferRatio float64
	MaxSymbols         int
	LotSize            float64
}

type GuardConfig struct {
	MaxDayDrawdown   float64 // fraction of day-start equity
	MaxPeakDrawdown  float64 // fraction of running peak equity
	MaxOrderFailures int
	Cooldown         time.Duration
	EvaluateInterval time.Duration
}

type RuntimeConfig struct {
	CallTimeout time.Duration
	LeaseTTL    time.Duration
	EventsWSURL string // optional external execution-event feed
}

type LogConfig struct {
	Level      string
	File       string // empty disables file output
	MaxSizeMB  int
	MaxBackups int
}

// Load reads configs/config.yaml, falling back to environment variables
// and built-in defaults for anything unset.
func Load() (*Config, error) {
	viper.AddConfigPath("configs")
	viper.SetConfigName("config")
	viper.SetEnvPrefix("trade_api")
	viper.AutomaticEnv()

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.db_path", "trade.db")
	viper.SetDefault("auth.jwt_secret", "trade-api-secret-key")
	viper.SetDefault("risk.lot_size", 1.0)
	viper.SetDefault("guard.max_day_drawdown", 0.05)
	viper.SetDefault("guard.max_peak_drawdown", 0.08)
	viper.SetDefault("guard.max_order_failures", 5)
	viper.SetDefault("guard.cooldown", "1h")
	viper.SetDefault("guard.evaluate_interval", "1m")
	viper.SetDefault("runtime.call_timeout", "10s")
	viper.SetDefault("runtime.lease_ttl", "30s")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.max_size_mb", 100)
	viper.SetDefault("log.max_backups", 5)

	// Missing config file is fine, defaults and env cover everything.
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:   viper.GetString("server.port"),
			DBPath: viper.GetString("server.db_path"),
		},
		Auth: AuthConfig{
			JWTSecret: viper.GetString("auth.jwt_secret"),
		},
		Risk: RiskConfig{
			MaxOrderNotional:   viper.GetFloat64("risk.max_order_notional"),
			MaxSymbolRatio:     viper.GetFloat64("risk.max_symbol_ratio"),
			MaxRunNotional:     viper.GetFloat64("risk.max_run_notional"),
			MinCashBufferRatio: viper.GetFloat64("risk.min_cash_buffer_ratio"),
			MaxSymbols:         viper.GetInt("risk.max_symbols"),
			LotSize:            viper.GetFloat64("risk.lot_size"),
		},
		Guard: GuardConfig{
			MaxDayDrawdown:   viper.GetFloat64("guard.max_day_drawdown"),
			MaxPeakDrawdown:  viper.GetFloat64("guard.max_peak_drawdown"),
			MaxOrderFailures: viper.GetInt("guard.max_order_failures"),
			Cooldown:         viper.GetDuration("guard.cooldown"),
			EvaluateInterval: viper.GetDuration("guard.evaluate_interval"),
		},
		Runtime: RuntimeConfig{
			CallTimeout: viper.GetDuration("runtime.call_timeout"),
			LeaseTTL:    viper.GetDuration("runtime.lease_ttl"),
			EventsWSURL: viper.GetString("runtime.events_ws_url"),
		},
		Log: LogConfig{
			Level:      viper.GetString("log.level"),
			File:       viper.GetString("log.file"),
			MaxSizeMB:  viper.GetInt("log.max_size_mb"),
			MaxBackups: viper.GetInt("log.max_backups"),
		},
	}

	return cfg, nil
}
