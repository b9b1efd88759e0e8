package config

import (
	"testing"
	"time"
)

func TestLoadRequiresTokenSecret(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load accepted an empty TOKEN_SECRET")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.AppEnv != EnvDev {
		t.Errorf("AppEnv = %q", cfg.AppEnv)
	}
	if cfg.QueueShards != 4 {
		t.Errorf("QueueShards = %d", cfg.QueueShards)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Errorf("TokenTTL = %s", cfg.TokenTTL)
	}
	if cfg.RatePerMinute != 60 || cfg.RatePerHour != 1000 || cfg.RatePerDay != 5000 {
		t.Errorf("rate limits = %d/%d/%d", cfg.RatePerMinute, cfg.RatePerHour, cfg.RatePerDay)
	}
	if cfg.MaxBodyBytes != 10*1024*1024 {
		t.Errorf("MaxBodyBytes = %d", cfg.MaxBodyBytes)
	}
	if cfg.StorageEnabled() {
		t.Error("storage enabled with no bucket or endpoint configured")
	}
	if cfg.IsProd() {
		t.Error("dev default reported as prod")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "test-secret")
	t.Setenv("PORT", "9090")
	t.Setenv("APP_ENV", "prod")
	t.Setenv("QUEUE_SHARDS", "8")
	t.Setenv("TOKEN_TTL", "1h")
	t.Setenv("DB_URL_REPLICAS", "postgres://ra:5432/app, postgres://rb:5432/app ,")
	t.Setenv("OBJECT_STORE_ENDPOINT", "http://minio:9000")
	t.Setenv("OBJECT_STORE_BUCKET", "uploads")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 || !cfg.IsProd() || cfg.QueueShards != 8 || cfg.TokenTTL != time.Hour {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.DBURLReplicas) != 2 {
		t.Fatalf("replicas = %v, empty entries must be dropped", cfg.DBURLReplicas)
	}
	if !cfg.StorageEnabled() {
		t.Fatal("storage not enabled with bucket and endpoint set")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "test-secret")

	t.Run("unknown environment", func(t *testing.T) {
		t.Setenv("APP_ENV", "qa")
		if _, err := Load(); err == nil {
			t.Fatal("Load accepted an unknown APP_ENV")
		}
	})

	t.Run("zero shards", func(t *testing.T) {
		t.Setenv("QUEUE_SHARDS", "0")
		if _, err := Load(); err == nil {
			t.Fatal("Load accepted QUEUE_SHARDS=0")
		}
	})
}
