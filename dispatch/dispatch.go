// Package dispatch drains the pending cache to the broker. Entries stay
// cached until the broker confirms them, so a flaky broker delays delivery
// instead of losing it.
package dispatch

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openhme/envoy/cache"
	"github.com/openhme/envoy/capture"
	"github.com/openhme/envoy/cfg"
	"github.com/openhme/envoy/telemetry"
	"github.com/openhme/envoy/transport"
)

// StatusStore settles the delivery state of one log-backed row after a
// publish attempt. Both transitions only apply to rows still mid-dispatch.
type StatusStore interface {
	Confirm(ctx context.Context, id int64) error
	Requeue(ctx context.Context, id int64) error
}

// Dispatcher periodically sweeps the cache and publishes every entry not
// already mid-flight. Publishes run serially inside the sweep, so envelopes
// of one table leave in capture order.
type Dispatcher struct {
	cache  *cache.PendingCache
	broker transport.Broker
	logs   map[string]StatusStore

	subject  string
	interval time.Duration
}

// New builds the dispatcher. logs maps table names to their change log
// stores for settling delivery status of row-backed entries.
func New(pending *cache.PendingCache, broker transport.Broker, logs map[string]StatusStore) *Dispatcher {
	return &Dispatcher{
		cache:    pending,
		broker:   broker,
		logs:     logs,
		subject:  cfg.Config.Broker.SyncSubject,
		interval: time.Duration(cfg.Config.Capture.SweepIntervalSeconds) * time.Second,
	}
}

// Run sweeps until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", d.interval).Msg("Dispatcher started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Dispatcher stopped")
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	if !d.broker.Healthy() {
		log.Debug().Int("pending", d.cache.Size()).Msg("Broker down, retaining cache")
		return
	}

	for _, key := range orderedKeys(d.cache.Keys()) {
		d.post(ctx, key)
	}
}

// post claims, re-reads, and publishes one entry. The claim is taken before
// the payload is read: a key already claimed elsewhere is skipped, and a key
// whose entry vanished while unclaimed can never be republished stale.
func (d *Dispatcher) post(ctx context.Context, key string) {
	if !d.cache.TryMarkPosting(key) {
		return
	}
	defer d.cache.ClearPosting(key)

	payload, ok := d.cache.Get(key)
	if !ok {
		return
	}
	d.publish(ctx, key, payload)
}

// orderedKeys sorts row-backed keys by table then log row id, so envelopes of
// one table publish in the order their rows were captured. Opaque keys sort
// among themselves by name and go out first.
func orderedKeys(keys []string) []string {
	sort.SliceStable(keys, func(i, j int) bool {
		it, ii, iok := capture.ParseRowKey(keys[i])
		jt, ji, jok := capture.ParseRowKey(keys[j])
		if iok != jok {
			return jok
		}
		if !iok {
			return keys[i] < keys[j]
		}
		if it != jt {
			return it < jt
		}
		return ii < ji
	})
	return keys
}

// publish pushes one entry and settles its delivery state: confirmed rows
// leave both the cache and (on the next cycle) the change log, failed ones
// go back to pending for the next sweep.
func (d *Dispatcher) publish(ctx context.Context, key string, payload []byte) {
	start := time.Now()
	err := d.broker.Publish(ctx, d.subject, payload)
	telemetry.PublishSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		telemetry.EnvelopesPublished.With("failed").Inc()
		log.Warn().Err(err).Str("key", key).Msg("Publish failed, entry retained")
		d.settle(ctx, key, false)
		return
	}

	telemetry.EnvelopesPublished.With("success").Inc()
	d.cache.Remove(key)
	d.settle(ctx, key, true)
}

// settle updates the backing log row for row-backed keys; opaque keys have
// no delivery state outside the cache.
func (d *Dispatcher) settle(ctx context.Context, key string, confirmed bool) {
	table, id, ok := capture.ParseRowKey(key)
	if !ok {
		return
	}
	store, ok := d.logs[table]
	if !ok {
		log.Warn().Str("key", key).Msg("No change log for cached key")
		return
	}
	var err error
	if confirmed {
		err = store.Confirm(ctx, id)
	} else {
		err = store.Requeue(ctx, id)
	}
	if err != nil {
		// The stall sweep reconciles rows whose status write was lost.
		log.Error().Err(err).Str("key", key).Bool("confirmed", confirmed).
			Msg("Recording delivery status failed")
	}
}
