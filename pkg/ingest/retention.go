package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Retention is how many days of events to keep per camera. Zero or less keeps everything.
type Retention struct {
	DefaultDays int
	Cameras     map[string]int
}

func (r Retention) DaysFor(camera string) int {
	if days, ok := r.Cameras[camera]; ok {
		return days
	}
	return r.DefaultDays
}

// ParseRetention builds a policy from a default and "camera=days" overrides.
func ParseRetention(defaultDays int, overrides []string) (Retention, error) {
	r := Retention{DefaultDays: defaultDays, Cameras: map[string]int{}}
	for _, o := range overrides {
		camera, rawDays, ok := strings.Cut(o, "=")
		camera = strings.TrimSpace(camera)
		if !ok || camera == "" {
			return Retention{}, fmt.Errorf("invalid camera retention %q, expected camera=days", o)
		}
		days, err := strconv.Atoi(strings.TrimSpace(rawDays))
		if err != nil {
			return Retention{}, fmt.Errorf("invalid camera retention %q: %w", o, err)
		}
		r.Cameras[camera] = days
	}
	return r, nil
}

// RunRetention applies policy immediately and then on every interval until ctx is done.
func (c *Coordinator) RunRetention(ctx context.Context, policy Retention, interval time.Duration) {
	logger := c.logger.With("source", "retention")
	logger.Info("starting retention sweeps", "interval", interval.String(), "default_days", policy.DefaultDays)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if !c.ApplyRetention(ctx, policy) {
			logger.Error("retention sweep failed, will retry next interval")
		}

		select {
		case <-ctx.Done():
			logger.Info("shutting down retention sweeps")
			return
		case <-ticker.C:
		}
	}
}
