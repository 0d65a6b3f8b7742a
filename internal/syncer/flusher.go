package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sitedock/sitedock/internal/cache"
	"github.com/sitedock/sitedock/internal/connectivity"
	"github.com/sitedock/sitedock/internal/oplog"
)

// Applier performs the remote write for a previously-queued operation.
// *remote.Client satisfies it.
type Applier interface {
	Apply(ctx context.Context, op oplog.Operation) error
}

// Flusher replays the durable operation log against the backend in strict
// FIFO order. Safe to call opportunistically: on reconnect, on a schedule, or
// on demand.
type Flusher struct {
	oracle   *connectivity.Oracle
	log      *oplog.Log
	remote   Applier
	cache    *cache.Store
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight bool
}

// NewFlusher wires a flusher to the shared pipeline components.
func NewFlusher(oracle *connectivity.Oracle, log *oplog.Log, remote Applier, store *cache.Store, notifier Notifier, logger *slog.Logger) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Flusher{
		oracle:   oracle,
		log:      log,
		remote:   remote,
		cache:    store,
		notifier: notifier,
		logger:   logger.With("component", "flusher"),
	}
}

// Drain replays all pending operations in ascending id order.
//
// A concurrent Drain while one is running is a no-op, as is a Drain while
// offline. Per operation: success removes it and continues; a
// network-classified failure aborts the entire remaining pass so operation
// N+1 is never applied while N is still pending; a structured rejection
// dead-letters the operation and continues. After a pass that attempted
// anything, the whole read cache is invalidated so confirmed writes become
// visible, and an emptied queue surfaces one "synced" notice.
func (f *Flusher) Drain(ctx context.Context) error {
	f.mu.Lock()
	if f.inFlight {
		f.mu.Unlock()
		return nil
	}
	f.inFlight = true
	f.mu.Unlock()

	// Cleared unconditionally so an errored pass never wedges draining.
	defer func() {
		f.mu.Lock()
		f.inFlight = false
		f.mu.Unlock()
	}()

	if !f.oracle.IsOnline() {
		return nil
	}

	ops, err := f.log.ListOrdered(ctx)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}

	f.logger.Info("draining offline queue", "pending", len(ops))

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("drain: %w", err)
		}

		err := f.remote.Apply(ctx, op)
		if err == nil {
			if err := f.log.Remove(ctx, op.ID); err != nil {
				return fmt.Errorf("drain: %w", err)
			}
			f.logger.Debug("queued write replayed", "id", op.ID, "resource", op.Resource)
			continue
		}

		if f.oracle.ReportFailure(err) {
			// Still unreachable. Stop here; this operation and everything
			// after it stay queued in order for the next pass.
			f.logger.Warn("drain aborted, backend unreachable",
				"id", op.ID, "remaining_from", op.ID)
			break
		}

		// The backend rejected a queued write. It can never succeed on
		// replay, so move it out of the way and tell the user.
		if derr := f.log.MarkDead(ctx, op.ID, err.Error()); derr != nil {
			return fmt.Errorf("drain: %w", derr)
		}
		notify(func() {
			f.notifier.Error(fmt.Sprintf("An offline change to %s was rejected: %v", op.Resource, err))
		})
	}

	remaining, err := f.log.Count(ctx)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if remaining == 0 {
		notify(func() {
			f.notifier.Info("All offline changes synced")
		})
	}

	// Broad invalidation: anything applied this pass must become visible on
	// the next read.
	f.cache.InvalidateAll()
	return nil
}
