package cluster

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bardlex/poolportal/internal/config"
)

func envLookup(entries []string) func(string) string {
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, _ := strings.Cut(e, "=")
		m[k] = v
	}
	return func(k string) string { return m[k] }
}

func TestHandoff_RoundTrip(t *testing.T) {
	h := &Handoff{
		ForkID: 3,
		Portal: &config.Portal{
			ServiceName:  "poolportal",
			RedisURL:     "redis://localhost:6379/0",
			RespawnDelay: 2 * time.Second,
			Settings: config.Settings{
				Banning: config.Banning{Enabled: true, Time: 10 * time.Minute, InvalidPercent: 50, CheckThreshold: 500},
			},
		},
		Pools: map[string]*config.Pool{
			"bitcoin": {
				Enabled: true,
				Coin:    config.Coin{Name: "bitcoin", Symbol: "BTC", Algorithm: "sha256d"},
				Daemons: []config.Daemon{{Host: "127.0.0.1", Port: 8332, ZMQ: "tcp://127.0.0.1:28332"}},
				Ports:   map[string]config.Port{"3001": {Enabled: true, Difficulty: 16}},
			},
		},
	}

	env, err := h.Environ()
	if err != nil {
		t.Fatalf("Environ() error = %v", err)
	}
	getenv := envLookup(env)
	if !IsWorker(getenv) {
		t.Fatal("IsWorker() = false for a worker environment")
	}

	got, err := ParseHandoff(getenv)
	if err != nil {
		t.Fatalf("ParseHandoff() error = %v", err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("handoff mismatch (-want +got):\n%s", diff)
	}
}

func TestParseHandoff_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  []string
	}{
		{"missing fork id", []string{EnvPortalConfig + "={}", EnvPoolConfigs + "={}"}},
		{"negative fork id", []string{EnvForkID + "=-1", EnvPortalConfig + "={}", EnvPoolConfigs + "={}"}},
		{"bad pool configs", []string{EnvForkID + "=0", EnvPortalConfig + "={}", EnvPoolConfigs + "=["}},
		{"missing portal config", []string{EnvForkID + "=0", EnvPoolConfigs + "={}", EnvPortalConfig + "=null"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseHandoff(envLookup(tt.env)); err == nil {
				t.Error("ParseHandoff() error = nil, want error")
			}
		})
	}
	if IsWorker(envLookup(nil)) {
		t.Error("IsWorker() = true for an empty environment")
	}
}
