package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Funnel   FunnelConfig   `yaml:"funnel"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN builds a postgres connection string; ssl_mode defaults to "disable".
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	// Empty host disables publishing and consuming.
	Host                      string `yaml:"host"`
	Port                      int    `yaml:"port"`
	StageChangedTopicName     string `yaml:"stage_changed_topic_name"`
	PaymentConfirmedTopicName string `yaml:"payment_confirmed_topic_name"`
}

type RedisConfig struct {
	// Empty host disables the tracking cache and charge rate limiting.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type FunnelConfig struct {
	GRPCAddr           string `yaml:"grpc_addr"`
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	// Store selects the lead store: "memory" | "postgres" | "redis".
	Store string `yaml:"store"`

	TrackingTTLSeconds int `yaml:"tracking_ttl_seconds"`

	SchedulerPollIntervalMillis int `yaml:"scheduler_poll_interval_millis"`

	// How long a lead rests on a stage before moving on by itself.
	// Zero means the built-in default for that category.
	OriginDelaySeconds     int `yaml:"origin_delay_seconds"`
	CustomsDelaySeconds    int `yaml:"customs_delay_seconds"`
	TransitMinDelaySeconds int `yaml:"transit_min_delay_seconds"`
	TransitMaxDelaySeconds int `yaml:"transit_max_delay_seconds"`
	RedeliveryDelaySeconds int `yaml:"redelivery_delay_seconds"`

	BatchYieldEvery int `yaml:"batch_yield_every"`

	// Money amounts are decimal strings, e.g. "49.90".
	CustomsFee   string   `yaml:"customs_fee"`
	DeliveryFees []string `yaml:"delivery_fees"`

	// MaxDeliveryAttempts caps the delivery-attempt cycle; zero means 1000.
	MaxDeliveryAttempts int `yaml:"max_delivery_attempts"`

	PixBaseURL string `yaml:"pix_base_url"`
	PixAPIKey  string `yaml:"pix_api_key"`
	PixMode    string `yaml:"pix_mode"` // "http" | "fake"

	ChargeLimitPerHour int `yaml:"charge_limit_per_hour"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
