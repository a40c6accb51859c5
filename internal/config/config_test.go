package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DRY_RUN", "true")
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_API_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Symbol != "DOGEUSDT" {
		t.Fatalf("expected default symbol, got %s", cfg.Symbol)
	}
	if cfg.ReserveFactor != 1.1 {
		t.Fatalf("expected default reserve factor 1.1, got %v", cfg.ReserveFactor)
	}
}

func TestLoadRequiresCredentialsWithoutDryRun(t *testing.T) {
	t.Setenv("DRY_RUN", "false")
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_API_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error when credentials missing and DRY_RUN=false")
	}
}
