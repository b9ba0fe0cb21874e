package domain

import (
	"errors"
	"testing"
	"time"
)

func TestIntervalDuration(t *testing.T) {
	tests := []struct {
		interval Interval
		want     time.Duration
	}{
		{Interval1m, time.Minute},
		{Interval15m, 15 * time.Minute},
		{Interval1h, time.Hour},
		{Interval1d, 24 * time.Hour},
	}
	for _, tt := range tests {
		got, ok := tt.interval.Duration()
		if !ok {
			t.Errorf("Duration(%q): not recognised", tt.interval)
			continue
		}
		if got != tt.want {
			t.Errorf("Duration(%q) = %v, want %v", tt.interval, got, tt.want)
		}
	}

	if _, ok := Interval("7m").Duration(); ok {
		t.Error("Duration(\"7m\") reported ok for unsupported interval")
	}
	if Interval("7m").Valid() {
		t.Error("Valid(\"7m\") = true, want false")
	}
}

func TestParseEnvironment(t *testing.T) {
	for _, s := range []string{"spot", "spot-testnet", "futures", "futures-testnet"} {
		env, err := ParseEnvironment(s)
		if err != nil {
			t.Errorf("ParseEnvironment(%q) returned error: %v", s, err)
		}
		if string(env) != s {
			t.Errorf("ParseEnvironment(%q) = %q", s, env)
		}
		if env.BaseURL() == "" {
			t.Errorf("BaseURL(%q) is empty", s)
		}
		if env.StreamURL() == "" {
			t.Errorf("StreamURL(%q) is empty", s)
		}
	}

	// The enumeration is closed: ad hoc strings are rejected.
	if _, err := ParseEnvironment("mainnet"); !errors.Is(err, ErrInvalidEnvironment) {
		t.Errorf("ParseEnvironment(\"mainnet\") error = %v, want ErrInvalidEnvironment", err)
	}
}

func TestEnvironmentURLsDiffer(t *testing.T) {
	// Testnet and production must never share a base URL.
	if EnvSpot.BaseURL() == EnvSpotTestnet.BaseURL() {
		t.Error("spot and spot-testnet share a base URL")
	}
	if EnvFutures.BaseURL() == EnvFuturesTestnet.BaseURL() {
		t.Error("futures and futures-testnet share a base URL")
	}
}
