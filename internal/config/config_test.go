package config

import (
	"runtime"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "default config",
			envVars: map[string]string{},
		},
		{
			name: "custom config",
			envVars: map[string]string{
				"SERVICE_NAME":     "test-portal",
				"CLUSTERING_FORKS": "4",
				"KAFKA_BROKERS":    "kafka-1:9092, kafka-2:9092",
				"RESPAWN_DELAY":    "5s",
			},
		},
		{
			name:    "invalid fork count",
			envVars: map[string]string{"CLUSTERING_FORKS": "many"},
			wantErr: true,
		},
		{
			name:    "zero forks",
			envVars: map[string]string{"CLUSTERING_FORKS": "0"},
			wantErr: true,
		},
		{
			name:    "invalid ban percent",
			envVars: map[string]string{"BANNING_INVALID_PERCENT": "150"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.ServiceName == "" {
				t.Error("ServiceName should not be empty")
			}
			if cfg.RedisURL == "" {
				t.Error("RedisURL should have a default")
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.RespawnDelay != 2*time.Second {
		t.Errorf("RespawnDelay = %v, want 2s", cfg.RespawnDelay)
	}
	if cfg.SpawnInterval != 250*time.Millisecond {
		t.Errorf("SpawnInterval = %v, want 250ms", cfg.SpawnInterval)
	}
	if cfg.KafkaBrokers != nil {
		t.Errorf("KafkaBrokers = %v, want nil (disabled)", cfg.KafkaBrokers)
	}
	if !cfg.Settings.Banning.Enabled {
		t.Error("banning should be enabled by default")
	}
}

func TestLoad_KafkaBrokers(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"kafka-1:9092", "kafka-2:9092"}
	if len(cfg.KafkaBrokers) != len(want) {
		t.Fatalf("KafkaBrokers = %v, want %v", cfg.KafkaBrokers, want)
	}
	for i := range want {
		if cfg.KafkaBrokers[i] != want[i] {
			t.Errorf("KafkaBrokers[%d] = %q, want %q", i, cfg.KafkaBrokers[i], want[i])
		}
	}
}

func TestPortal_ForkCount(t *testing.T) {
	tests := []struct {
		forks   string
		want    int
		wantErr bool
	}{
		{"auto", runtime.NumCPU(), false},
		{"", runtime.NumCPU(), false},
		{"AUTO", runtime.NumCPU(), false},
		{"3", 3, false},
		{"-1", 0, true},
		{"two", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.forks, func(t *testing.T) {
			got, err := (&Portal{Forks: tt.forks}).ForkCount()
			if (err != nil) != tt.wantErr {
				t.Fatalf("ForkCount() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ForkCount() = %d, want %d", got, tt.want)
			}
		})
	}
}
