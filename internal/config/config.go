package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ListenAddr        string `env:"TETHER_LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL       string `env:"TETHER_DATABASE_URL"`
	JWTSecret         string `env:"TETHER_JWT_SECRET"`
	InternalSharedKey string `env:"TETHER_INTERNAL_SHARED_KEY"`

	RoomProvider    string   `env:"TETHER_ROOM_PROVIDER" envDefault:"fake"`
	AWSRegion       string   `env:"TETHER_AWS_REGION" envDefault:"us-east-1"`
	AWSAMIID        string   `env:"TETHER_AWS_AMI_ID"`
	AWSInstanceType string   `env:"TETHER_AWS_INSTANCE_TYPE" envDefault:"c7g.large"`
	AWSSubnetID     string   `env:"TETHER_AWS_SUBNET_ID"`
	AWSSecurityIDs  []string `env:"TETHER_AWS_SECURITY_GROUP_IDS" envSeparator:","`
	AWSKeyName      string   `env:"TETHER_AWS_KEY_NAME"`

	TickInterval        time.Duration `env:"TETHER_TICK_INTERVAL" envDefault:"1s"`
	EventBuffer         int           `env:"TETHER_EVENT_BUFFER" envDefault:"64"`
	ReconcileInterval   time.Duration `env:"TETHER_RECONCILE_INTERVAL" envDefault:"1m"`
	AbandonAfterPercent int           `env:"TETHER_ABANDON_AFTER_PERCENT" envDefault:"200"`
}

func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("TETHER_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("TETHER_JWT_SECRET is required")
	}
	if cfg.InternalSharedKey == "" {
		return Config{}, fmt.Errorf("TETHER_INTERNAL_SHARED_KEY is required")
	}
	if cfg.RoomProvider != "fake" && cfg.RoomProvider != "aws" {
		return Config{}, fmt.Errorf("TETHER_ROOM_PROVIDER must be one of fake|aws")
	}
	if cfg.RoomProvider == "aws" && cfg.AWSAMIID == "" {
		return Config{}, fmt.Errorf("TETHER_AWS_AMI_ID is required for aws room provider")
	}
	if cfg.TickInterval <= 0 {
		return Config{}, fmt.Errorf("TETHER_TICK_INTERVAL must be positive")
	}
	if cfg.EventBuffer <= 0 {
		return Config{}, fmt.Errorf("TETHER_EVENT_BUFFER must be positive")
	}
	if cfg.ReconcileInterval <= 0 {
		return Config{}, fmt.Errorf("TETHER_RECONCILE_INTERVAL must be positive")
	}
	if cfg.AbandonAfterPercent != 0 && cfg.AbandonAfterPercent < 120 {
		return Config{}, fmt.Errorf("TETHER_ABANDON_AFTER_PERCENT must be 0 (disabled) or at least 120")
	}
	return cfg, nil
}
