// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("API_GATEWAY_QUEUE_CONCURRENCY")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.Concurrency != 8 {
		t.Fatalf("expected default queue concurrency 8, got %d", cfg.Queue.Concurrency)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if len(cfg.Platforms) != len(AllPlatforms) {
		t.Fatalf("expected %d platforms, got %d", len(AllPlatforms), len(cfg.Platforms))
	}
	tiktok := cfg.Platforms[TikTok]
	if tiktok.RateMaxRequests != 30 {
		t.Fatalf("expected default tiktok rate max 30, got %d", tiktok.RateMaxRequests)
	}
}

func TestLoadAppliesUnprefixedPlatformAPIKeyFallback(t *testing.T) {
	os.Setenv("TIKTOK_API_KEY", "legacy-key")
	defer os.Unsetenv("TIKTOK_API_KEY")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Platforms[TikTok].APIKey != "legacy-key" {
		t.Fatalf("expected unprefixed fallback to populate tiktok api key, got %q", cfg.Platforms[TikTok].APIKey)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Queue.Concurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for queue.concurrency < 1")
	}

	cfg = defaultConfig()
	cfg.Retry.BackoffMultiplier = 1
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for backoff_multiplier <= 1")
	}

	cfg = defaultConfig()
	cfg.Retry.MaxDelay = cfg.Retry.InitialDelay
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for max_delay <= initial_delay")
	}

	cfg = defaultConfig()
	cfg.Environment = "production"
	cfg.Encryption.SecretKey = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for missing secret key outside development")
	}

	cfg = defaultConfig()
	cfg.Environment = "production"
	cfg.Webhook.Environment = "production"
	cfg.Webhook.Secrets = map[string]string{"apify": ""}
	cfg.Encryption.SecretKey = "01234567890123456789012345678901"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty webhook secret outside development")
	}
}

func TestValidateRejectsUnknownPlatform(t *testing.T) {
	cfg := defaultConfig()
	cfg.Platforms["snapchat"] = PlatformConfig{}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unknown platform")
	}
}
