// Per-frame loop statistics
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// stable if the instantaneous FPS stddev stays under 15% of the mean
	fpsStabilityThreshold = 0.15

	DefaultWindow = 120

	// Outcome names as recorded in samples and snapshots
	OutcomePassThrough = "pass_through"
	OutcomeComposite   = "composite"
	OutcomeExhausted   = "exhausted"
)

// Timings holds the wall time spent in each stage of one frame
type Timings struct {
	Detect    time.Duration
	Submit    time.Duration
	Sync      time.Duration
	Composite time.Duration
	Total     time.Duration
}

// FrameSample describes one processed frame
type FrameSample struct {
	Time       time.Time
	Outcome    string
	Resolution string
	Degenerate bool
	Timings    Timings
}

// FPSStats summarizes the frame rate over a window of timestamps
type FPSStats struct {
	Frames   int
	Duration time.Duration
	Mean     float64
	StdDev   float64
	Min      float64
	Max      float64
	IsStable bool
}

// StageStats is the average and worst time of a stage
type StageStats struct {
	Avg time.Duration
	Max time.Duration
}

// Snapshot is a point-in-time copy of LoopStats
type Snapshot struct {
	Frames      uint64
	Degenerate  uint64
	Outcomes    map[string]uint64
	Resolutions map[string]uint64
	Stages      map[string]StageStats
	FPS         FPSStats
}

type stageAcc struct {
	total time.Duration
	max   time.Duration
}

func (a *stageAcc) add(d time.Duration) {
	a.total += d
	if d > a.max {
		a.max = d
	}
}

// LoopStats accumulates FrameSamples. Safe for concurrent use.
type LoopStats struct {
	mu          sync.Mutex
	window      int
	frames      uint64
	degenerate  uint64
	outcomes    map[string]uint64
	resolutions map[string]uint64
	stages      map[string]*stageAcc
	times       []time.Time
}

// NewLoopStats keeps the last window frame timestamps for FPS estimation
func NewLoopStats(window int) *LoopStats {
	if window < 2 {
		window = DefaultWindow
	}
	return &LoopStats{
		window:      window,
		outcomes:    make(map[string]uint64),
		resolutions: make(map[string]uint64),
		stages:      make(map[string]*stageAcc),
		times:       make([]time.Time, 0, window),
	}
}

func (s *LoopStats) Record(sample FrameSample) {
	if sample.Time.IsZero() {
		sample.Time = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames++
	if sample.Degenerate {
		s.degenerate++
	}
	if sample.Outcome != "" {
		s.outcomes[sample.Outcome]++
	}
	if sample.Resolution != "" {
		s.resolutions[sample.Resolution]++
	}

	s.stage("detect").add(sample.Timings.Detect)
	s.stage("total").add(sample.Timings.Total)
	// GPU stages only run on composite frames
	if sample.Outcome == OutcomeComposite {
		s.stage("submit").add(sample.Timings.Submit)
		s.stage("sync").add(sample.Timings.Sync)
		s.stage("composite").add(sample.Timings.Composite)
	}

	if len(s.times) == s.window {
		copy(s.times, s.times[1:])
		s.times = s.times[:s.window-1]
	}
	s.times = append(s.times, sample.Time)
}

func (s *LoopStats) stage(name string) *stageAcc {
	acc, ok := s.stages[name]
	if !ok {
		acc = &stageAcc{}
		s.stages[name] = acc
	}
	return acc
}

// counts of samples that contributed to each stage
func (s *LoopStats) stageCount(name string) uint64 {
	switch name {
	case "detect", "total":
		return s.frames
	default:
		return s.outcomes[OutcomeComposite]
	}
}

func (s *LoopStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Frames:      s.frames,
		Degenerate:  s.degenerate,
		Outcomes:    make(map[string]uint64, len(s.outcomes)),
		Resolutions: make(map[string]uint64, len(s.resolutions)),
		Stages:      make(map[string]StageStats, len(s.stages)),
		FPS:         CalculateFPSStats(s.times),
	}
	for k, v := range s.outcomes {
		snap.Outcomes[k] = v
	}
	for k, v := range s.resolutions {
		snap.Resolutions[k] = v
	}
	for name, acc := range s.stages {
		st := StageStats{Max: acc.max}
		if n := s.stageCount(name); n > 0 {
			st.Avg = acc.total / time.Duration(n)
		}
		snap.Stages[name] = st
	}
	return snap
}

// Fields flattens the snapshot for structured logging
func (s Snapshot) Fields() logrus.Fields {
	fields := logrus.Fields{
		"frames":     s.Frames,
		"degenerate": s.Degenerate,
		"fps_mean":   round2(s.FPS.Mean),
		"fps_stddev": round2(s.FPS.StdDev),
		"fps_min":    round2(s.FPS.Min),
		"fps_max":    round2(s.FPS.Max),
		"fps_stable": s.FPS.IsStable,
	}
	for k, v := range s.Outcomes {
		fields["outcome_"+k] = v
	}
	for name, st := range s.Stages {
		fields[name+"_avg_ms"] = round2(float64(st.Avg) / float64(time.Millisecond))
		fields[name+"_max_ms"] = round2(float64(st.Max) / float64(time.Millisecond))
	}
	return fields
}

// CalculateFPSStats derives mean, spread and stability of the frame rate
// from consecutive frame timestamps.
func CalculateFPSStats(frameTimes []time.Time) FPSStats {
	n := len(frameTimes)
	stats := FPSStats{Frames: n}
	if n < 2 {
		return stats
	}

	stats.Duration = frameTimes[n-1].Sub(frameTimes[0])
	if stats.Duration <= 0 {
		return stats
	}
	stats.Mean = float64(n-1) / stats.Duration.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		if interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}
	if len(instantaneous) == 0 {
		return stats
	}

	stats.Min, stats.Max = instantaneous[0], instantaneous[0]
	var sumSquares float64
	for _, fps := range instantaneous {
		stats.Min = math.Min(stats.Min, fps)
		stats.Max = math.Max(stats.Max, fps)
		diff := fps - stats.Mean
		sumSquares += diff * diff
	}
	stats.StdDev = math.Sqrt(sumSquares / float64(len(instantaneous)))
	stats.IsStable = stats.StdDev < stats.Mean*fpsStabilityThreshold

	return stats
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
