package unit_test

import (
	"net"
	"testing"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/simwatch/internal/config"
	"github.com/luciancaetano/simwatch/internal/websocket"
	"github.com/luciancaetano/simwatch/ws"
)

// TestDefaultRateLimitConfig tests the default rate limit configuration
func TestDefaultRateLimitConfig(t *testing.T) {
	t.Parallel()

	limit := ws.DefaultRateLimitConfig()

	if limit == nil {
		t.Fatal("DefaultRateLimitConfig() returned nil")
	}

	if !limit.Enabled {
		t.Error("Default rate limit should be enabled")
	}

	if limit.MessagesPerSecond != 20 {
		t.Errorf("Default MessagesPerSecond = %v, want 20", limit.MessagesPerSecond)
	}

	if limit.Burst != 40 {
		t.Errorf("Default Burst = %v, want 40", limit.Burst)
	}
}

// TestNoRateLimit tests the no rate limit configuration
func TestNoRateLimit(t *testing.T) {
	t.Parallel()

	limit := ws.NoRateLimit()

	if limit == nil {
		t.Fatal("NoRateLimit() returned nil")
	}

	if limit.Enabled {
		t.Error("NoRateLimit should have Enabled = false")
	}
}

// TestRateLimitFromConfig tests deriving limits from the server configuration
func TestRateLimitFromConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name              string
		commandsPerSecond float64
		burst             int
		wantEnabled       bool
	}{
		{
			name:              "defaults",
			commandsPerSecond: config.Default().CommandsPerSecond,
			burst:             config.Default().CommandBurst,
			wantEnabled:       true,
		},
		{
			name:              "high rate limit",
			commandsPerSecond: 1000,
			burst:             2000,
			wantEnabled:       true,
		},
		{
			name:              "disabled",
			commandsPerSecond: 0,
			burst:             0,
			wantEnabled:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Default()
			cfg.CommandsPerSecond = tt.commandsPerSecond
			cfg.CommandBurst = tt.burst

			limit := websocket.RateLimitFromConfig(cfg)

			if limit.Enabled != tt.wantEnabled {
				t.Errorf("Enabled = %v, want %v", limit.Enabled, tt.wantEnabled)
			}

			if !tt.wantEnabled {
				return
			}

			if limit.MessagesPerSecond != rate.Limit(tt.commandsPerSecond) {
				t.Errorf("MessagesPerSecond = %v, want %v", limit.MessagesPerSecond, tt.commandsPerSecond)
			}

			if limit.Burst != tt.burst {
				t.Errorf("Burst = %v, want %v", limit.Burst, tt.burst)
			}
		})
	}
}

// TestClientRateLimit tests the per-client token bucket
func TestClientRateLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		limit   *websocket.RateLimitConfig
		allowed int
	}{
		{
			name:    "burst of three",
			limit:   &websocket.RateLimitConfig{MessagesPerSecond: 0.001, Burst: 3, Enabled: true},
			allowed: 3,
		},
		{
			name:    "disabled",
			limit:   websocket.NoRateLimit(),
			allowed: 10,
		},
		{
			name:    "nil",
			limit:   nil,
			allowed: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server, peer := net.Pipe()
			defer server.Close()
			defer peer.Close()

			client := websocket.NewClient(server, websocket.ClientConfig{RateLimit: tt.limit})

			allowed := 0
			for i := 0; i < 10; i++ {
				if client.CheckRateLimit() {
					allowed++
				}
			}

			if allowed != tt.allowed {
				t.Errorf("allowed %d of 10 messages, want %d", allowed, tt.allowed)
			}
		})
	}
}
