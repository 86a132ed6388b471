// Package dedup decides first-seen vs already-processed for inbound provider
// events. The durable mark lives in the call store and commits atomically
// with the transition it guards; Redis fronts it as a bounded-window cache so
// redelivery storms do not hit the database.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Marker is the durable dedup authority (the call store).
type Marker interface {
	IsProcessed(ctx context.Context, provider, sourceID string) (bool, error)
}

// Pruner removes durable dedup marks that have aged out of the redelivery
// window. Satisfied by *store.CallStore.
type Pruner interface {
	PruneProcessed(ctx context.Context, olderThan time.Time) (int64, error)
}

// Deduplicator answers is-duplicate queries. It never records marks itself;
// the store commits them inside the transition transaction and the gateway
// calls Remember afterwards to warm the cache.
type Deduplicator struct {
	marker Marker
	client *redis.Client // nil disables the cache
	window time.Duration
	log    *slog.Logger
	clock  func() time.Time
}

// New creates a Deduplicator. client may be nil, in which case every query
// falls through to the durable marker.
func New(marker Marker, client *redis.Client, window time.Duration, log *slog.Logger) *Deduplicator {
	if log == nil {
		log = slog.Default()
	}
	return &Deduplicator{marker: marker, client: client, window: window, log: log, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (d *Deduplicator) WithClock(clock func() time.Time) *Deduplicator {
	d.clock = clock
	return d
}

func cacheKey(provider, sourceID string) string {
	return fmt.Sprintf("dedup:%s:%s", provider, sourceID)
}

// IsDuplicate is a side-effect-free query: true means the source event has
// already produced (or is committed to produce) a transition. A cache failure
// degrades to the durable marker rather than failing the webhook.
func (d *Deduplicator) IsDuplicate(ctx context.Context, provider, sourceID string) (bool, error) {
	if sourceID == "" {
		return false, nil
	}

	if d.client != nil {
		n, err := d.client.Exists(ctx, cacheKey(provider, sourceID)).Result()
		if err != nil {
			d.log.Warn("dedup cache unavailable, falling back to store",
				"provider", provider, "error", err)
		} else if n > 0 {
			return true, nil
		}
	}

	return d.marker.IsProcessed(ctx, provider, sourceID)
}

// Remember warms the cache after the durable mark has committed. Failures are
// logged only: the store remains authoritative.
func (d *Deduplicator) Remember(ctx context.Context, provider, sourceID string) {
	if d.client == nil || sourceID == "" {
		return
	}
	if err := d.client.SetNX(ctx, cacheKey(provider, sourceID), 1, d.window).Err(); err != nil {
		d.log.Warn("dedup cache write failed", "provider", provider, "error", err)
	}
}

// PruneDurable drops durable marks older than the redelivery window. Redis
// entries expire on their own TTL; the store needs an explicit sweep or the
// processed_events table grows without bound.
func (d *Deduplicator) PruneDurable(ctx context.Context, pruner Pruner) (int64, error) {
	cutoff := d.clock().UTC().Add(-d.window)
	n, err := pruner.PruneProcessed(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.log.Info("pruned expired dedup marks", "removed", n, "older_than", cutoff)
	}
	return n, nil
}

// RunRetention sweeps the durable marks until the context is canceled.
func (d *Deduplicator) RunRetention(ctx context.Context, pruner Pruner, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.PruneDurable(ctx, pruner); err != nil {
				d.log.Error("dedup mark prune failed", "error", err)
			}
		}
	}
}
