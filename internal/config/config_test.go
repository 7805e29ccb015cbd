package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load([]string{"-jwt-secret", "test-secret"})
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.JWTExpiresIn != "7d" {
		t.Errorf("JWTExpiresIn = %q, want 7d", cfg.JWTExpiresIn)
	}
	if cfg.UploadsDir == "" || cfg.RecordingsDir == "" {
		t.Error("uploads/recordings dirs were not derived from data dir")
	}
	if cfg.UsesPostgres() {
		t.Error("UsesPostgres() = true with no DB_HOST")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8085")
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_NAME", "parlor")
	t.Setenv("DB_USER", "parlor")

	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.HTTPPort != 8085 {
		t.Errorf("HTTPPort = %d, want 8085", cfg.HTTPPort)
	}
	if cfg.JWTSecret != "from-env" {
		t.Errorf("JWTSecret = %q, want from-env", cfg.JWTSecret)
	}
	if !cfg.UsesPostgres() {
		t.Error("UsesPostgres() = false with DB_HOST set")
	}
	want := "host=db.internal port=5432 dbname=parlor user=parlor password= sslmode=disable"
	if cfg.PostgresDSN() != want {
		t.Errorf("PostgresDSN() = %q, want %q", cfg.PostgresDSN(), want)
	}
}

func TestFlagsBeatEnv(t *testing.T) {
	t.Setenv("PORT", "8085")
	cfg, err := load([]string{"-jwt-secret", "s", "-port", "9090"})
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090 (flag should beat env)", cfg.HTTPPort)
	}
}

func TestJWTTTL(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"7d", 7 * 24 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"12h", 12 * time.Hour, false},
		{"", 7 * 24 * time.Hour, false},
		{"0d", 0, true},
		{"banana", 0, true},
		{"30s", 0, true},
	}
	for _, tt := range tests {
		c := &Config{JWTExpiresIn: tt.in}
		got, err := c.JWTTTL()
		if tt.wantErr {
			if err == nil {
				t.Errorf("JWTTTL(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("JWTTTL(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("JWTTTL(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidateRejectsBadRanges(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing secret", nil},
		{"bad port", []string{"-jwt-secret", "s", "-port", "0"}},
		{"inverted rtp range", []string{"-jwt-secret", "s", "-rtp-port-min", "50000", "-rtp-port-max", "40000"}},
		{"db host without name", []string{"-jwt-secret", "s", "-db-host", "x"}},
		{"bad log level", []string{"-jwt-secret", "s", "-log-level", "verbose"}},
	}
	for _, tt := range tests {
		if _, err := load(tt.args); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
