package config

import (
	"testing"
	"time"
)

func TestGetDuration(t *testing.T) {
	t.Setenv("TEST_SWEEP_INTERVAL", "90s")
	if got := GetDuration("TEST_SWEEP_INTERVAL", time.Hour); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
}

func TestGetDurationFallsBackOnUnset(t *testing.T) {
	if got := GetDuration("TEST_SWEEP_MISSING", 2*time.Minute); got != 2*time.Minute {
		t.Fatalf("expected fallback 2m, got %s", got)
	}
}

func TestGetDurationFallsBackOnGarbage(t *testing.T) {
	t.Setenv("TEST_SWEEP_INTERVAL", "soon")
	if got := GetDuration("TEST_SWEEP_INTERVAL", 5*time.Minute); got != 5*time.Minute {
		t.Fatalf("expected fallback 5m, got %s", got)
	}
}

func TestGetIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("TEST_KEEP", "five")
	if got := GetInt("TEST_KEEP", 5); got != 5 {
		t.Fatalf("expected fallback 5, got %d", got)
	}
}
