package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefaultIsValid(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("LogLevel = %s, want INFO", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort == cfg.Global.HealthPort {
		t.Errorf("metrics and health ports must differ")
	}
}

func TestValidateRejectsDuplicateAccountID(t *testing.T) {
	cfg := NewDefault()
	cfg.Accounts = []AccountConfig{
		{ID: 1, DiscSet: "default", HardLimitBlocks: 100},
		{ID: 1, DiscSet: "default", HardLimitBlocks: 100},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate account id")
	}
}

func TestValidateRejectsUnknownDiscSet(t *testing.T) {
	cfg := NewDefault()
	cfg.Accounts = []AccountConfig{{ID: 1, DiscSet: "nonexistent", HardLimitBlocks: 100}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown disc set reference")
	}
}

func TestValidateRejectsSoftLimitAboveHard(t *testing.T) {
	cfg := NewDefault()
	cfg.Accounts = []AccountConfig{{ID: 1, DiscSet: "default", SoftLimitBlocks: 200, HardLimitBlocks: 100}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for soft limit exceeding hard limit")
	}
}

func TestValidateRejectsBadDiscSetDirCount(t *testing.T) {
	cfg := NewDefault()
	cfg.DiscSets = []DiscSetConfig{{Name: "broken", Dirs: []string{"/a", "/b"}, BlockSize: 4096}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for disc set with 2 dirs (must be 1 or 3)")
	}
}

func TestValidateRejectsUnknownCipher(t *testing.T) {
	cfg := NewDefault()
	cfg.Cipher.Algorithm = "rot13"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown cipher algorithm")
	}
}

func TestValidateRequiresBucketWhenCloudMirrorEnabled(t *testing.T) {
	cfg := NewDefault()
	cfg.CloudMirror.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for cloud mirror enabled without bucket")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := NewDefault()
	cfg.Housekeeping.Interval = 45 * time.Minute
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded := &Configuration{}
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Housekeeping.Interval != 45*time.Minute {
		t.Errorf("Housekeeping.Interval = %v, want 45m", loaded.Housekeeping.Interval)
	}
}

func TestLoadFromEnvOverridesLogLevel(t *testing.T) {
	t.Setenv("BACKUPSTORE_LOG_LEVEL", "DEBUG")
	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %s, want DEBUG", cfg.Global.LogLevel)
	}
}

func TestDiscSetByName(t *testing.T) {
	cfg := NewDefault()
	ds, ok := cfg.DiscSetByName("default")
	if !ok {
		t.Fatal("expected default disc set to be found")
	}
	if ds.BlockSize != 4096 {
		t.Errorf("BlockSize = %d, want 4096", ds.BlockSize)
	}

	if _, ok := cfg.DiscSetByName("missing"); ok {
		t.Error("expected missing disc set lookup to fail")
	}
}
