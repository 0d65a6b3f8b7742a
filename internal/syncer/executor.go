// Package syncer is the write path of the offline-first pipeline: the
// executor wraps every remote write with retry-or-queue semantics, and the
// flusher replays the durable queue once the backend is reachable again.
package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sitedock/sitedock/internal/connectivity"
	"github.com/sitedock/sitedock/internal/oplog"
)

// RemoteCall performs the actual remote write for one operation and returns
// an error on failure.
type RemoteCall func(ctx context.Context) error

// Result reports how Execute disposed of a write.
type Result struct {
	// Queued is true when the write was durably queued instead of applied.
	Queued bool
}

// Executor decides, per write, whether to attempt the backend immediately,
// queue durably, or surface a rejection to the caller.
type Executor struct {
	oracle   *connectivity.Oracle
	log      *oplog.Log
	notifier Notifier
	logger   *slog.Logger
}

// NewExecutor wires an executor to the shared oracle and operation log.
func NewExecutor(oracle *connectivity.Oracle, log *oplog.Log, notifier Notifier, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Executor{
		oracle:   oracle,
		log:      log,
		notifier: notifier,
		logger:   logger.With("component", "executor"),
	}
}

// Execute applies op through call, or queues it.
//
// Offline: op is appended to the durable log without invoking call, and the
// caller's optimistic cache patch stands. Online: call runs once; a
// network-classified failure flips the oracle offline and queues op, while
// any other failure propagates unchanged and must never be queued — retrying
// a rejected write forever would never succeed.
//
// Exactly one of {remote write performed, operation durably queued} happens
// per invocation.
func (e *Executor) Execute(ctx context.Context, op oplog.Operation, call RemoteCall) (Result, error) {
	ensureInsertID(&op)

	if !e.oracle.IsOnline() {
		if err := e.log.Append(ctx, &op); err != nil {
			return Result{}, fmt.Errorf("queue offline write: %w", err)
		}
		e.notifyQueued(op)
		return Result{Queued: true}, nil
	}

	err := call(ctx)
	if err == nil {
		return Result{}, nil
	}

	if !e.oracle.ReportFailure(err) {
		// The server rejected the write. Surface it immediately; the caller
		// rolls back its optimistic patch.
		return Result{}, err
	}

	// First failure after being online: the transition moment.
	if qerr := e.log.Append(ctx, &op); qerr != nil {
		return Result{}, fmt.Errorf("queue failed write: %w", qerr)
	}
	e.notifyQueued(op)
	return Result{Queued: true}, nil
}

func (e *Executor) notifyQueued(op oplog.Operation) {
	e.logger.Info("write queued for later sync",
		"id", op.ID, "resource", op.Resource, "kind", op.Kind)
	notify(func() {
		e.notifier.Info(fmt.Sprintf("Saved offline — %s will sync when you're back online", op.Resource))
	})
}

// ensureInsertID gives insert payloads a client-generated primary key before
// the first attempt, so a queued insert replays with the same id the
// optimistic cache entry already uses.
func ensureInsertID(op *oplog.Operation) {
	if op.Kind != oplog.KindInsert {
		return
	}
	if op.Payload == nil {
		op.Payload = make(map[string]any)
	}
	if v, ok := op.Payload["id"]; !ok || v == "" || v == nil {
		op.Payload["id"] = uuid.New().String()
	}
}
