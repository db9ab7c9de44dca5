package config

import "testing"

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("INTERCEPTOR_DEV_MODE", "1")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != ":8888" {
		t.Errorf("Listen = %q, want :8888", cfg.Listen)
	}
	if cfg.Capture.WSMaxFrames != 10000 {
		t.Errorf("WSMaxFrames = %d, want 10000", cfg.Capture.WSMaxFrames)
	}
}

func TestLoadRequiresTokenOutsideDevMode(t *testing.T) {
	t.Setenv("INTERCEPTOR_DEV_MODE", "")
	t.Setenv("INTERCEPTOR_API_TOKEN", "")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when token missing and dev mode disabled")
	}
}

func TestEnvOverridesApply(t *testing.T) {
	t.Setenv("INTERCEPTOR_API_TOKEN", "s3cr3t")
	t.Setenv("INTERCEPTOR_MAX_BODY_BYTES", "2048")
	t.Setenv("INTERCEPTOR_WS_MAX_FRAMES", "50")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.API.Token != "s3cr3t" {
		t.Errorf("Token = %q, want s3cr3t", cfg.API.Token)
	}
	if cfg.MaxBodyBytes != 2048 {
		t.Errorf("MaxBodyBytes = %d, want 2048", cfg.MaxBodyBytes)
	}
	if cfg.Capture.WSMaxFrames != 50 {
		t.Errorf("WSMaxFrames = %d, want 50", cfg.Capture.WSMaxFrames)
	}
}

func TestIPFilterConfigEnv(t *testing.T) {
	t.Setenv("INTERCEPTOR_DEV_MODE", "1")
	t.Setenv("IP_FILTER_CONFIG", `{"allow":["10.0.0.0/8"],"block":["192.168.1.1/32"]}`)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.API.IPFilter.Allow) != 1 || cfg.API.IPFilter.Allow[0] != "10.0.0.0/8" {
		t.Errorf("IPFilter.Allow = %v", cfg.API.IPFilter.Allow)
	}
}
