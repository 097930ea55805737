package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "TITHE_PERCENT")
	unsetEnvWithCleanup(t, "PROCESSING_FEE_PERCENT")
	unsetEnvWithCleanup(t, "DEFAULT_POCKET_PRICE")
	unsetEnvWithCleanup(t, "DEFAULT_POCKET_PRICE_CENTS")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.TithePercent != 10.0 {
		t.Fatalf("expected default tithe percent 10, got %f", cfg.TithePercent)
	}
	if cfg.ProcessingFeePercent != 6.0 {
		t.Fatalf("expected default processing fee percent 6, got %f", cfg.ProcessingFeePercent)
	}
	if cfg.DefaultPocketPriceCents != 15000 {
		t.Fatalf("expected default pocket price 15000 cents, got %d", cfg.DefaultPocketPriceCents)
	}
	if cfg.ReservationTTLSeconds != 300 {
		t.Fatalf("expected default reservation TTL 300s, got %d", cfg.ReservationTTLSeconds)
	}
}

func TestLoadConfig_PocketPriceWholeUnitsAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "DEFAULT_POCKET_PRICE_CENTS")
	setEnvWithCleanup(t, "DEFAULT_POCKET_PRICE", "150.00")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.DefaultPocketPriceCents != 15000 {
		t.Fatalf("expected 150.00 to become 15000 cents, got %d", cfg.DefaultPocketPriceCents)
	}
}

func TestLoadConfig_CoercesOutOfRangePercents(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "TITHE_PERCENT", "-3")
	setEnvWithCleanup(t, "PROCESSING_FEE_PERCENT", "250")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.TithePercent != 0 {
		t.Fatalf("expected negative tithe percent coerced to 0, got %f", cfg.TithePercent)
	}
	if cfg.ProcessingFeePercent != 100 {
		t.Fatalf("expected processing fee percent capped at 100, got %f", cfg.ProcessingFeePercent)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
