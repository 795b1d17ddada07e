package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/gwillem/brewie/pkg/robot"
)

type BenchCommand struct {
	Samples   int     `short:"n" long:"samples" default:"100" description:"Number of observations to time"`
	TargetFPS float64 `long:"target-fps" default:"30" description:"Control rate the robot should sustain"`
}

// latencyStats summarizes a set of timings.
type latencyStats struct {
	N      int
	Mean   time.Duration
	Median time.Duration
	Min    time.Duration
	Max    time.Duration
	StdDev time.Duration
	Failed int
}

// FPS is the rate the mean latency allows.
func (s latencyStats) FPS() float64 {
	if s.Mean <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.Mean)
}

func summarize(samples []time.Duration, failed int) latencyStats {
	st := latencyStats{N: len(samples), Failed: failed}
	if len(samples) == 0 {
		return st
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	st.Min, st.Max = sorted[0], sorted[len(sorted)-1]

	n := len(sorted)
	if n%2 == 1 {
		st.Median = sorted[n/2]
	} else {
		st.Median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	var sum float64
	for _, d := range sorted {
		sum += float64(d)
	}
	mean := sum / float64(n)
	var sq float64
	for _, d := range sorted {
		sq += (float64(d) - mean) * (float64(d) - mean)
	}
	st.Mean = time.Duration(mean)
	st.StdDev = time.Duration(math.Sqrt(sq / float64(n)))
	return st
}

// recommendation says whether the robot keeps up with targetFPS.
func recommendation(st latencyStats, targetFPS float64) string {
	budget := time.Duration(float64(time.Second) / targetFPS)
	switch {
	case st.N == 0:
		return "no successful observations"
	case st.Mean <= budget && st.Max <= budget:
		return fmt.Sprintf("OK for %.0f FPS control", targetFPS)
	case st.Mean <= budget:
		return fmt.Sprintf("OK on average for %.0f FPS, but peaks exceed the %s budget", targetFPS, budget.Round(10*time.Microsecond))
	default:
		return fmt.Sprintf("too slow for %.0f FPS, lower --hz to %d or less", targetFPS, int(st.FPS()))
	}
}

func (c *BenchCommand) Execute(args []string) error {
	if c.Samples <= 0 || c.TargetFPS <= 0 {
		return errors.New("samples and target-fps must be positive")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := context.Background()
	r, err := connectRobot(ctx, cfg.Robot, logger)
	if err != nil {
		return err
	}
	defer r.Disconnect()

	fmt.Printf("Timing %d observations...\n", c.Samples)
	obsTimes, obsFailed, err := timeObservations(ctx, r, c.Samples)
	if err != nil {
		return err
	}

	st := summarize(obsTimes, obsFailed)
	fmt.Println()
	fmt.Println(renderBench(st))
	fmt.Println()
	if st.N > 0 && st.Mean <= time.Duration(float64(time.Second)/c.TargetFPS) {
		fmt.Println(successStyle.Render(recommendation(st, c.TargetFPS)))
	} else {
		fmt.Println(warnStyle.Render(recommendation(st, c.TargetFPS)))
	}
	return nil
}

// timeObservations times GetObservation. Observations whose position fetch
// failed are counted but not timed.
func timeObservations(ctx context.Context, r *robot.Robot, n int) ([]time.Duration, int, error) {
	times := make([]time.Duration, 0, n)
	failed := 0
	for range n {
		start := time.Now()
		obs, err := r.GetObservation(ctx)
		if err != nil {
			return nil, 0, err
		}
		if obs.FetchErr != nil {
			failed++
			continue
		}
		times = append(times, time.Since(start))
	}
	return times, failed, nil
}

func renderBench(st latencyStats) string {
	ms := func(d time.Duration) string {
		return fmt.Sprintf("%.2f ms", float64(d)/float64(time.Millisecond))
	}
	return newTable("Metric", "Value").
		Row("samples", fmt.Sprint(st.N)).
		Row("failed fetches", fmt.Sprint(st.Failed)).
		Row("mean", ms(st.Mean)).
		Row("median", ms(st.Median)).
		Row("min", ms(st.Min)).
		Row("max", ms(st.Max)).
		Row("stddev", ms(st.StdDev)).
		Row("max FPS", fmt.Sprintf("%.1f", st.FPS())).
		Render()
}
