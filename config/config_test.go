package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  stage_changed_topic_name: "funnel.stage.changed"
  payment_confirmed_topic_name: "funnel.payment.confirmed"
redis:
  host: "localhost"
  port: 6379
funnel:
  grpc_addr: ":50051"
  http_addr: ":8080"
  store: "postgres"
  tracking_ttl_seconds: 600
  customs_delay_seconds: 3600
  customs_fee: "49.90"
  delivery_fees: ["7.74", "12.38", "16.46"]
  max_delivery_attempts: 50
  pix_mode: "fake"
  charge_limit_per_hour: 5
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "postgres://u:p@localhost:5432/db?sslmode=disable", cfg.Database.DSN())
	require.Equal(t, "funnel.stage.changed", cfg.Kafka.StageChangedTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, ":8080", cfg.Funnel.HTTPAddr)
	require.Equal(t, "postgres", cfg.Funnel.Store)
	require.Equal(t, 3600, cfg.Funnel.CustomsDelaySeconds)
	require.Equal(t, []string{"7.74", "12.38", "16.46"}, cfg.Funnel.DeliveryFees)
	require.Equal(t, 5, cfg.Funnel.ChargeLimitPerHour)
	require.Equal(t, 50, cfg.Funnel.MaxDeliveryAttempts)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	p := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(p, []byte("funnel: [oops"), 0o600))
	_, err = LoadConfig(p)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unmarshal")
}
