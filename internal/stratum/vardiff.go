package stratum

import (
	"time"

	"github.com/bardlex/poolportal/internal/config"
)

// variancePercent is the tolerated deviation from the target share time
// before a retarget happens
const variancePercent = 30

// Vardiff retargets a session's difficulty so that shares arrive roughly
// every TargetTime. It is not safe for concurrent use; Session guards it.
type Vardiff struct {
	min, max     float64
	target       time.Duration
	retarget     time.Duration
	tMin, tMax   time.Duration
	intervals    []time.Duration
	size         int
	lastShare    time.Time
	lastRetarget time.Time
}

// NewVardiff builds a retargeter from a port's vardiff settings
func NewVardiff(cfg config.Vardiff) *Vardiff {
	size := 4
	if cfg.TargetTime > 0 {
		size = max(int(cfg.RetargetTime/cfg.TargetTime)*4, 4)
	}
	variance := time.Duration(float64(cfg.TargetTime) * variancePercent / 100)

	return &Vardiff{
		min:      cfg.Min,
		max:      cfg.Max,
		target:   cfg.TargetTime,
		retarget: cfg.RetargetTime,
		tMin:     cfg.TargetTime - variance,
		tMax:     cfg.TargetTime + variance,
		size:     size,
	}
}

// Submit records a share at now for a session currently at difficulty.
// It returns the new difficulty and true when the average share interval
// left the tolerated window.
func (v *Vardiff) Submit(now time.Time, difficulty float64) (float64, bool) {
	if v.lastShare.IsZero() {
		// first share: retarget half a window early
		v.lastRetarget = now.Add(-v.retarget / 2)
		v.lastShare = now
		return difficulty, false
	}

	v.intervals = append(v.intervals, now.Sub(v.lastShare))
	if len(v.intervals) > v.size {
		v.intervals = v.intervals[1:]
	}
	v.lastShare = now

	if now.Sub(v.lastRetarget) < v.retarget {
		return difficulty, false
	}
	v.lastRetarget = now

	var sum time.Duration
	for _, d := range v.intervals {
		sum += d
	}
	avg := sum / time.Duration(len(v.intervals))
	if avg <= 0 {
		avg = time.Millisecond
	}

	ratio := float64(v.target) / float64(avg)
	switch {
	case avg > v.tMax && difficulty > v.min:
		if difficulty*ratio < v.min {
			ratio = v.min / difficulty
		}
	case avg < v.tMin && difficulty < v.max:
		if difficulty*ratio > v.max {
			ratio = v.max / difficulty
		}
	default:
		return difficulty, false
	}

	v.intervals = v.intervals[:0]
	return difficulty * ratio, true
}
