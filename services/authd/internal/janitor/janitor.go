// Package janitor periodically removes expired sessions and spent codes.
// Verification already rejects these records; the sweep only reclaims storage.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"stockgate/services/authd/internal/metrics"
)

// Purger deletes stale records and reports how many were removed.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// Janitor runs a fixed set of purgers on an interval.
type Janitor struct {
	purgers  map[string]Purger
	interval time.Duration
	logger   zerolog.Logger
}

// New returns a Janitor. purgers is keyed by the record kind used in logs and metrics.
func New(interval time.Duration, logger zerolog.Logger, purgers map[string]Purger) *Janitor {
	return &Janitor{
		purgers:  purgers,
		interval: interval,
		logger:   logger.With().Str("component", "janitor").Logger(),
	}
}

// Sweep runs every purger once. A failing purger does not stop the others.
func (j *Janitor) Sweep(ctx context.Context) map[string]int64 {
	removed := make(map[string]int64, len(j.purgers))
	for kind, p := range j.purgers {
		n, err := p.Purge(ctx)
		if err != nil {
			j.logger.Error().Err(err).Str("kind", kind).Msg("purge failed")
			continue
		}
		removed[kind] = n
		metrics.JanitorDeleted.WithLabelValues(kind).Add(float64(n))
		if n > 0 {
			j.logger.Debug().Str("kind", kind).Int64("removed", n).Msg("purged stale records")
		}
	}
	return removed
}

// Run sweeps immediately and then on every tick until ctx ends. A
// non-positive interval disables the loop.
func (j *Janitor) Run(ctx context.Context) {
	if j.interval <= 0 {
		return
	}
	j.Sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}
