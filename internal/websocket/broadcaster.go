package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/simwatch"
	"github.com/luciancaetano/simwatch/internal/logging"
	"github.com/luciancaetano/simwatch/internal/protocol"
)

// Broadcaster pushes one snapshot per tick to every registered peer.
type Broadcaster struct {
	registry *Registry
	source   simwatch.SnapshotSource
	logger   *slog.Logger
	// snapshotTimeout bounds a single Snapshot call; zero means no bound.
	snapshotTimeout time.Duration

	ticks     atomic.Int64
	delivered atomic.Int64
	pruned    atomic.Int64
}

// NewBroadcaster creates a broadcaster over registry fed by source.
func NewBroadcaster(registry *Registry, source simwatch.SnapshotSource, logger *slog.Logger, snapshotTimeout time.Duration) *Broadcaster {
	return &Broadcaster{
		registry:        registry,
		source:          source,
		logger:          logging.OrNop(logger),
		snapshotTimeout: snapshotTimeout,
	}
}

// Run calls Tick for every value received on ticks until ctx is done or ticks is
// closed. Production passes a time.Ticker channel; tests drive it by hand.
func (b *Broadcaster) Run(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			b.Tick(ctx)
		}
	}
}

// Tick performs one broadcast and returns the number of peers that received it.
//
// The tick is a no-op when no peer is registered or the source is unavailable.
// Otherwise the snapshot is requested once and encoded once, and the same frame is
// written to each peer. Peers whose write fails are removed and closed after the
// pass; the others still receive the frame.
func (b *Broadcaster) Tick(ctx context.Context) int {
	if b.registry.Len() == 0 || !b.source.Available() {
		return 0
	}
	b.ticks.Add(1)

	snapCtx := ctx
	if b.snapshotTimeout > 0 {
		var cancel context.CancelFunc
		snapCtx, cancel = context.WithTimeout(ctx, b.snapshotTimeout)
		defer cancel()
	}

	payload, err := b.source.Snapshot(snapCtx)
	if err != nil {
		b.logger.Warn("snapshot failed, skipping broadcast", "error", err)
		return 0
	}

	frame, err := protocol.EncodeText(payload)
	if err != nil {
		b.logger.Error("failed to encode snapshot", "error", err)
		return 0
	}

	var failed []Peer
	delivered := 0
	for _, p := range b.registry.Peers() {
		if err := p.WriteFrame(frame); err != nil {
			if !errors.Is(err, simwatch.ErrConnectionClosed) {
				b.logger.Warn("broadcast write failed", "clientId", p.ID(), "error", err)
			}
			failed = append(failed, p)
			continue
		}
		delivered++
	}

	for _, p := range failed {
		b.registry.Remove(p.ID())
		_ = p.CloseWithCode(ctx, simwatch.CloseGoingAway, "write failed")
	}

	b.delivered.Add(int64(delivered))
	b.pruned.Add(int64(len(failed)))
	b.logger.Debug("snapshot broadcast", "clients", delivered, "pruned", len(failed), "bytes", len(payload))
	return delivered
}

// BroadcastStats is a point-in-time view of the broadcaster counters.
type BroadcastStats struct {
	Ticks     int64
	Delivered int64
	Pruned    int64
}

// Stats returns the counters accumulated since creation.
func (b *Broadcaster) Stats() BroadcastStats {
	return BroadcastStats{
		Ticks:     b.ticks.Load(),
		Delivered: b.delivered.Load(),
		Pruned:    b.pruned.Load(),
	}
}
