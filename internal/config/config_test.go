package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "actuator:\n  enabled: true\n"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Redis.Addr != "127.0.0.1:6379" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Actuator.BaseID != 100 {
		t.Errorf("base id = %d", cfg.Actuator.BaseID)
	}
	if cfg.Actuator.BlockMs != 1000 {
		t.Errorf("block ms = %d", cfg.Actuator.BlockMs)
	}
	if cfg.Actuator.HeartbeatInterval.Duration() != 3*time.Second {
		t.Errorf("heartbeat = %v", cfg.Actuator.HeartbeatInterval.Duration())
	}
	if cfg.Publisher.OverrideMinDelta != 2 {
		t.Errorf("override delta = %d", cfg.Publisher.OverrideMinDelta)
	}
	steps := cfg.Redis.BackoffDurations()
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second}
	if len(steps) != len(want) {
		t.Fatalf("backoff steps = %v", steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("backoff step %d = %v, want %v", i, steps[i], want[i])
		}
	}
	if cfg.ShutdownTimeout.Duration() != 5*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.ShutdownTimeout.Duration())
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "10.0.0.5:6380")

	cfg, err := Load(writeConfig(t, `
redis:
  addr: ${TEST_REDIS_ADDR}
  password: ${TEST_REDIS_PASSWORD:fallback}
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Addr != "10.0.0.5:6380" {
		t.Errorf("addr = %q", cfg.Redis.Addr)
	}
	if cfg.Redis.Password != "fallback" {
		t.Errorf("password = %q, want default applied", cfg.Redis.Password)
	}
}

func TestScheduleCurve(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
schedule:
  wake: "06:30"
  wake_brightness: 80
  night: "23:15"
`))
	if err != nil {
		t.Fatal(err)
	}

	curve, err := cfg.Schedule.Curve()
	if err != nil {
		t.Fatal(err)
	}
	if curve.WakeHour != 6 || curve.WakeMinute != 30 {
		t.Errorf("wake = %02d:%02d", curve.WakeHour, curve.WakeMinute)
	}
	if curve.WakeBrightness != 80 {
		t.Errorf("wake brightness = %d", curve.WakeBrightness)
	}
	if curve.NightHour != 23 || curve.NightMinute != 15 {
		t.Errorf("night = %02d:%02d", curve.NightHour, curve.NightMinute)
	}
	// Unset knobs keep the factory curve.
	if curve.BrightenMin != 30 || curve.DimLeadMin != 90 {
		t.Errorf("ramps = %d/%d", curve.BrightenMin, curve.DimLeadMin)
	}
}

func TestScheduleCurveRejectsBadClock(t *testing.T) {
	cfg := &ScheduleConfig{Wake: "25:99"}
	if _, err := cfg.Curve(); err == nil {
		t.Fatal("expected error for invalid wake time")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
redis:
  read_timeout: 1500ms
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.ReadTimeout.Duration() != 1500*time.Millisecond {
		t.Errorf("read timeout = %v", cfg.Redis.ReadTimeout.Duration())
	}
}
