package stratum

import (
	"testing"
	"time"

	"github.com/bardlex/poolportal/internal/config"
)

func TestVardiff_Submit(t *testing.T) {
	cfg := config.Vardiff{
		Enabled:      true,
		Min:          8,
		Max:          512,
		TargetTime:   15 * time.Second,
		RetargetTime: 90 * time.Second,
	}

	tests := []struct {
		name     string
		start    float64
		interval time.Duration
		shares   int
		wantUp   bool
		wantDown bool
		want     float64
	}{
		{
			name:     "fast shares raise difficulty",
			start:    32,
			interval: 5 * time.Second,
			shares:   20,
			wantUp:   true,
			want:     96,
		},
		{
			name:     "slow shares lower difficulty to the floor",
			start:    32,
			interval: 120 * time.Second,
			shares:   3,
			wantDown: true,
			want:     8,
		},
		{
			name:     "on target shares keep difficulty",
			start:    32,
			interval: 15 * time.Second,
			shares:   20,
		},
		{
			name:     "fast shares capped at max",
			start:    256,
			interval: time.Second,
			shares:   60,
			wantUp:   true,
			want:     512,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVardiff(cfg)
			now := time.Unix(1700000000, 0)
			diff := tt.start
			var changed bool

			for range tt.shares {
				if next, ok := v.Submit(now, diff); ok {
					diff = next
					changed = true
					break
				}
				now = now.Add(tt.interval)
			}

			if changed != (tt.wantUp || tt.wantDown) {
				t.Fatalf("changed = %v, want %v (diff %v)", changed, tt.wantUp || tt.wantDown, diff)
			}
			if !changed {
				return
			}
			if tt.wantUp && diff <= tt.start {
				t.Errorf("difficulty = %v, want above %v", diff, tt.start)
			}
			if tt.wantDown && diff >= tt.start {
				t.Errorf("difficulty = %v, want below %v", diff, tt.start)
			}
			if diff != tt.want {
				t.Errorf("difficulty = %v, want %v", diff, tt.want)
			}
		})
	}
}
