package main

import (
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/atlasbio/morpho/internal/limiter"
)

// Config validation errors
var (
	ErrInvalidListenAddr    = errors.New("listen_addr cannot be empty")
	ErrInvalidMetricsAddr   = errors.New("metrics_addr cannot be empty")
	ErrInvalidDataPath      = errors.New("data_path cannot be empty")
	ErrInvalidLogFormat     = errors.New("log_format must be 'json' or 'text'")
	ErrInvalidLogLevel      = errors.New("log_level must be debug, info, warn, or error")
	ErrInvalidKeepAliveTime = errors.New("keepalive_time must be positive")
	ErrInvalidMsgSize       = errors.New("grpc message size limits must be positive")
)

// Config holds the morphod server configuration, populated from the
// environment with the MORPHO prefix.
type Config struct {
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:"0.0.0.0:3000"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:"0.0.0.0:9090"`
	DataPath    string `envconfig:"DATA_PATH" default:"./data"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	KeepAliveTime                time.Duration `envconfig:"KEEPALIVE_TIME" default:"2h"`
	KeepAliveTimeout             time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"20s"`
	KeepAliveMinTime             time.Duration `envconfig:"KEEPALIVE_MIN_TIME" default:"5m"`
	KeepAlivePermitWithoutStream bool          `envconfig:"KEEPALIVE_PERMIT_WITHOUT_STREAM" default:"false"`

	GRPCMaxRecvMsgSize int `envconfig:"GRPC_MAX_RECV_MSG_SIZE" default:"104857600"`
	GRPCMaxSendMsgSize int `envconfig:"GRPC_MAX_SEND_MSG_SIZE" default:"104857600"`

	RateLimit limiter.Config
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         "0.0.0.0:3000",
		MetricsAddr:        "0.0.0.0:9090",
		DataPath:           "./data",
		LogFormat:          "json",
		LogLevel:           "info",
		KeepAliveTime:      2 * time.Hour,
		KeepAliveTimeout:   20 * time.Second,
		KeepAliveMinTime:   5 * time.Minute,
		GRPCMaxRecvMsgSize: 104857600,
		GRPCMaxSendMsgSize: 104857600,
	}
}

// LoadConfig reads an optional .env file and then the environment.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, err
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := envconfig.Process("morpho", &cfg); err != nil {
		return Config{}, err
	}
	if err := ValidateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateConfig validates the configuration and returns an error if invalid.
func ValidateConfig(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return ErrInvalidListenAddr
	}
	if cfg.MetricsAddr == "" {
		return ErrInvalidMetricsAddr
	}
	if cfg.DataPath == "" {
		return ErrInvalidDataPath
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return ErrInvalidLogFormat
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	if cfg.KeepAliveTime <= 0 {
		return ErrInvalidKeepAliveTime
	}
	if cfg.GRPCMaxRecvMsgSize <= 0 || cfg.GRPCMaxSendMsgSize <= 0 {
		return ErrInvalidMsgSize
	}
	return nil
}

// BuildKeepaliveParams creates gRPC keepalive server parameters from config.
func BuildKeepaliveParams(cfg *Config) keepalive.ServerParameters {
	return keepalive.ServerParameters{
		Time:    cfg.KeepAliveTime,
		Timeout: cfg.KeepAliveTimeout,
	}
}

// BuildKeepalivePolicy creates gRPC keepalive enforcement policy from config.
func BuildKeepalivePolicy(cfg *Config) keepalive.EnforcementPolicy {
	return keepalive.EnforcementPolicy{
		MinTime:             cfg.KeepAliveMinTime,
		PermitWithoutStream: cfg.KeepAlivePermitWithoutStream,
	}
}

// BuildGRPCServerOptions combines keepalive, message size, and rate limit
// settings into server options.
func (c *Config) BuildGRPCServerOptions(lim *limiter.RateLimiter) []grpc.ServerOption {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(BuildKeepaliveParams(c)),
		grpc.KeepaliveEnforcementPolicy(BuildKeepalivePolicy(c)),
		grpc.MaxRecvMsgSize(c.GRPCMaxRecvMsgSize),
		grpc.MaxSendMsgSize(c.GRPCMaxSendMsgSize),
	}
	if lim != nil && lim.Enabled() {
		opts = append(opts,
			grpc.UnaryInterceptor(lim.UnaryInterceptor()),
			grpc.StreamInterceptor(lim.StreamInterceptor()),
		)
	}
	return opts
}
