// Package retention runs the background tombstone purge loop. It defines
// the mechanism only; the enclosing service decides the schedule, either
// through the interval it passes to Run or by calling Sweep itself (from a
// cron-style scheduler or a one-shot admin call).
package retention

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autosync/contactcache/internal/store"
	"github.com/rs/zerolog"
)

// Purger sweeps tombstoned rows older than a cutoff. It runs outside any
// sync transaction and never blocks a concurrent sync: it only ever
// deletes rows already marked deleted, so it cannot change the outcome of
// an in-flight upsert.
type Purger struct {
	Store  store.Store
	Logger zerolog.Logger
}

// New constructs a Purger over s.
func New(s store.Store, logger zerolog.Logger) *Purger {
	return &Purger{Store: s, Logger: logger}
}

// Sweep gathers a per-source active-contact count (fanned out
// concurrently with errgroup, since counts for distinct source_device
// namespaces are independent by the isolation invariant), logs each at
// debug level for operator diagnostics, and then issues one
// PurgeDeletedBefore call for the whole store.
func (p *Purger) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	cutoffMs := cutoff.UnixMilli()

	sources, err := p.Store.ListKnownSources(ctx)
	if err != nil {
		return 0, err
	}

	counts := make([]int, len(sources))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for i, source := range sources {
		i, source := i, source
		group.Go(func() error {
			count, err := p.Store.CountActiveContacts(gctx, source)
			if err != nil {
				return err
			}
			counts[i] = count
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		p.Logger.Warn().Err(err).Msg("purge sweep: failed to gather per-source active counts, continuing")
	} else {
		for i, source := range sources {
			p.Logger.Debug().
				Str("source_device", source).
				Int("active_contacts", counts[i]).
				Msg("purge sweep: source active count")
		}
	}

	purged, err := p.Store.PurgeDeletedBefore(ctx, cutoffMs)
	if err != nil {
		return 0, err
	}

	p.Logger.Info().
		Int("sources", len(sources)).
		Int("purged", purged).
		Time("cutoff", cutoff).
		Msg("tombstone purge sweep complete")

	return purged, nil
}

// Run calls Sweep every interval until ctx is cancelled, retaining
// tombstones newer than retention. It is the caller's responsibility to
// run this in its own goroutine.
func (p *Purger) Run(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if _, err := p.Sweep(ctx, cutoff); err != nil {
				p.Logger.Error().Err(err).Msg("tombstone purge sweep failed")
			}
		}
	}
}
