package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OfferTimeout != 15*time.Second || cfg.Budget != 120*time.Second || cfg.MaxAttempts != 5 {
		t.Fatalf("unexpected dispatch defaults %+v", cfg)
	}
	if cfg.TombstoneTTL != 10*time.Minute || cfg.ApproachRadiusM != 500 || cfg.OTPTTL != 0 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.RideRetention != time.Hour {
		t.Fatalf("unexpected ride retention %s", cfg.RideRetention)
	}
	if cfg.RedisAddr != "" || cfg.PGDSN != "" || len(cfg.KafkaBrokers) != 0 {
		t.Fatal("optional backends must default off")
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("DISPATCH_OFFER_TIMEOUT", "20s")
	t.Setenv("DISPATCH_MAX_ATTEMPTS", "3")
	t.Setenv("DISPATCH_SEARCH_RADIUS_M", "2500")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("OTP_TTL", "5m")
	t.Setenv("RIDE_RETENTION", "30m")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OfferTimeout != 20*time.Second || cfg.MaxAttempts != 3 || cfg.SearchRadiusM != 2500 {
		t.Fatalf("dispatch settings not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.OTPTTL != 5*time.Minute || cfg.RideRetention != 30*time.Minute || cfg.LogLevel != "debug" || !cfg.RunMigrations {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadServerConfigAggregatesErrors(t *testing.T) {
	t.Setenv("DISPATCH_BUDGET", "soon")
	t.Setenv("DISPATCH_MAX_ATTEMPTS", "0")
	t.Setenv("MATCHER_TOP_N", "x")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"DISPATCH_BUDGET", "DISPATCH_MAX_ATTEMPTS", "MATCHER_TOP_N"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %s in %q", key, err)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092")
	t.Setenv("CONSUMER_RETRIES", "5")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.KafkaBrokers[0] != "k1:9092" || cfg.Retries != 5 || cfg.KafkaTopic != "driver-locations" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	t.Setenv("CONSUMER_RETRIES", "0")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatal("expected error for zero retries")
	}
}
