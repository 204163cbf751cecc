package ratelimit

import (
	"testing"
	"time"
)

func TestResetIn(t *testing.T) {
	tests := []struct {
		name   string
		ttl    time.Duration
		window time.Duration
		want   time.Duration
	}{
		{name: "whole seconds", ttl: 290 * time.Second, window: 300 * time.Second, want: 290 * time.Second},
		{name: "rounds up", ttl: 289*time.Second + time.Millisecond, window: 300 * time.Second, want: 290 * time.Second},
		{name: "no ttl reported uses full window", ttl: -1, window: 300 * time.Second, want: 300 * time.Second},
		{name: "zero", ttl: 0, window: time.Hour, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resetIn(tt.ttl, tt.window); got != tt.want {
				t.Errorf("resetIn(%v, %v) = %v, want %v", tt.ttl, tt.window, got, tt.want)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	short, daily := keys("anonymous_auth", "1.2.3.4")
	if short != "ratelimit:anonymous_auth:1.2.3.4:window" {
		t.Errorf("short key = %q", short)
	}
	if daily != "ratelimit:anonymous_auth:1.2.3.4:daily" {
		t.Errorf("daily key = %q", daily)
	}
}
