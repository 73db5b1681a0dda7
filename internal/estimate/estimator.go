// Package estimate derives wait-time estimates for queued tasks.
package estimate

import (
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/havenline/dispatch/internal/model"
)

const (
	defaultAcceptSec = 120
	defaultSmoothing = 0.3
)

// Estimator keeps an exponentially weighted moving average of
// time-to-accept per risk level and turns queue position into a
// minutes estimate. Estimates are computed lazily on read and never
// stored on the record, so they cannot go stale.
type Estimator struct {
	mu         sync.RWMutex
	avgSec     map[model.RiskLevel]float64
	defaultSec float64
	alpha      float64

	group singleflight.Group
}

func New(cfg model.EstimatorConfig) *Estimator {
	seed := float64(cfg.DefaultAcceptSec)
	if seed <= 0 {
		seed = defaultAcceptSec
	}
	alpha := cfg.Smoothing
	if alpha <= 0 || alpha > 1 {
		alpha = defaultSmoothing
	}
	return &Estimator{
		avgSec:     make(map[model.RiskLevel]float64),
		defaultSec: seed,
		alpha:      alpha,
	}
}

// RecordAccept folds an observed time-to-accept into the moving
// average for the task's risk level.
func (e *Estimator) RecordAccept(risk model.RiskLevel, waited time.Duration) {
	if waited < 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev, ok := e.avgSec[risk]
	if !ok {
		prev = e.defaultSec
	}
	e.avgSec[risk] = e.alpha*waited.Seconds() + (1-e.alpha)*prev
}

// AverageAcceptSec returns the current moving average for a risk
// level, falling back to the configured seed.
func (e *Estimator) AverageAcceptSec(risk model.RiskLevel) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if avg, ok := e.avgSec[risk]; ok {
		return avg
	}
	return e.defaultSec
}

// EstimateOpen computes the estimated wait in minutes for every task
// in ordered (most urgent first), keyed by task id.
//
// The raw value for a task is its same-risk average scaled by queue
// position; a running maximum is then applied down the order so a
// task never reports a longer wait than a lower-priority task behind
// it. Concurrent callers share one computation via singleflight:
// fetch is invoked at most once per in-flight burst.
func (e *Estimator) EstimateOpen(fetch func() []*model.TaskRecord) map[string]int {
	v, _, _ := e.group.Do("estimate_open", func() (any, error) {
		return e.estimateAll(fetch()), nil
	})
	return v.(map[string]int)
}

func (e *Estimator) estimateAll(ordered []*model.TaskRecord) map[string]int {
	out := make(map[string]int, len(ordered))
	floor := 0
	for rank, t := range ordered {
		rawSec := e.AverageAcceptSec(t.RiskLevel) * float64(rank+1)
		minutes := int(math.Ceil(rawSec / 60))
		if minutes < 1 {
			minutes = 1
		}
		if minutes < floor {
			minutes = floor
		}
		floor = minutes
		out[t.ID] = minutes
	}
	return out
}
