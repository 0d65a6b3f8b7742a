package syncer

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sitedock/sitedock/internal/cache"
	"github.com/sitedock/sitedock/internal/oplog"
	"github.com/sitedock/sitedock/internal/remote"
)

// fakeApplier records replay order and fails per-operation on demand.
type fakeApplier struct {
	mu    sync.Mutex
	calls []int64
	fail  func(op oplog.Operation) error
	delay time.Duration
}

func (f *fakeApplier) Apply(ctx context.Context, op oplog.Operation) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, op.ID)
	f.mu.Unlock()
	if f.fail != nil {
		return f.fail(op)
	}
	return nil
}

func (f *fakeApplier) callIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64{}, f.calls...)
}

func queueN(t *testing.T, log *oplog.Log, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		op := &oplog.Operation{
			Resource: "tasks",
			Kind:     oplog.KindInsert,
			Payload:  map[string]any{"n": i},
		}
		if err := log.Append(context.Background(), op); err != nil {
			t.Fatalf("queue op %d: %v", i, err)
		}
		ids = append(ids, op.ID)
	}
	return ids
}

func TestDrainRoundTrip(t *testing.T) {
	log, oracle, notifier := newTestPipeline(t)
	store := cache.New(nil)
	applier := &fakeApplier{}
	f := NewFlusher(oracle, log, applier, store, notifier, nil)
	ctx := context.Background()

	// Prime a cache entry so invalidation is observable.
	var fetches atomic.Int64
	fetch := func(ctx context.Context) (any, error) { return fetches.Add(1), nil }
	if _, err := store.Get(ctx, "tasks", fetch); err != nil {
		t.Fatal(err)
	}

	ids := queueN(t, log, 2)

	if err := f.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	n, _ := log.Count(ctx)
	if n != 0 {
		t.Errorf("expected drained log, got %d pending", n)
	}

	got := applier.callIDs()
	if len(got) != 2 || got[0] != ids[0] || got[1] != ids[1] {
		t.Errorf("expected replay %v in order, got %v", ids, got)
	}

	infos, _ := notifier.counts()
	if infos != 1 {
		t.Errorf("expected exactly one synced notice, got %d", infos)
	}
	if !strings.Contains(notifier.infos[0], "synced") {
		t.Errorf("unexpected notice %q", notifier.infos[0])
	}

	// The cache must have been broadly invalidated exactly once.
	if _, err := store.Get(ctx, "tasks", fetch); err != nil {
		t.Fatal(err)
	}
	if fetches.Load() != 2 {
		t.Errorf("expected one refetch after drain, got %d total fetches", fetches.Load())
	}
}

func TestDrainAbortsOnNetworkFailureMidPass(t *testing.T) {
	log, oracle, notifier := newTestPipeline(t)
	applier := &fakeApplier{}
	f := NewFlusher(oracle, log, applier, cache.New(nil), notifier, nil)
	ctx := context.Background()

	ids := queueN(t, log, 3)
	applier.fail = func(op oplog.Operation) error {
		if op.ID == ids[1] {
			return errDial
		}
		return nil
	}

	if err := f.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	// Op 1 applied and removed; op 2 failed and stays; op 3 never attempted.
	got := applier.callIDs()
	if len(got) != 2 || got[0] != ids[0] || got[1] != ids[1] {
		t.Errorf("expected attempts on ops 1 and 2 only, got %v", got)
	}

	ops, _ := log.ListOrdered(ctx)
	if len(ops) != 2 || ops[0].ID != ids[1] || ops[1].ID != ids[2] {
		t.Errorf("expected ops 2 and 3 to remain in order, got %+v", ops)
	}

	if oracle.IsOnline() {
		t.Error("mid-drain network failure must flip the oracle offline")
	}

	infos, _ := notifier.counts()
	if infos != 0 {
		t.Errorf("aborted pass must not claim everything synced, got %d notices", infos)
	}
}

func TestDrainDeadLettersRejectedOps(t *testing.T) {
	log, oracle, notifier := newTestPipeline(t)
	applier := &fakeApplier{}
	f := NewFlusher(oracle, log, applier, cache.New(nil), notifier, nil)
	ctx := context.Background()

	ids := queueN(t, log, 3)
	applier.fail = func(op oplog.Operation) error {
		if op.ID == ids[1] {
			return &remote.APIError{Status: 422, Message: "value violates check constraint"}
		}
		return nil
	}

	if err := f.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	// All three attempted: the rejection must not stop the pass.
	if got := applier.callIDs(); len(got) != 3 {
		t.Errorf("expected 3 attempts, got %v", got)
	}

	n, _ := log.Count(ctx)
	if n != 0 {
		t.Errorf("expected live queue empty, got %d", n)
	}
	dn, _ := log.DeadCount(ctx)
	if dn != 1 {
		t.Errorf("expected 1 dead letter, got %d", dn)
	}

	infos, errs := notifier.counts()
	if errs != 1 {
		t.Errorf("rejected replay must surface an error notice, got %d", errs)
	}
	if infos != 1 {
		t.Errorf("emptied queue still surfaces the synced notice, got %d", infos)
	}
}

func TestDrainIsNoOpWhileOffline(t *testing.T) {
	log, oracle, notifier := newTestPipeline(t)
	applier := &fakeApplier{}
	f := NewFlusher(oracle, log, applier, cache.New(nil), notifier, nil)
	ctx := context.Background()

	queueN(t, log, 2)
	oracle.ReportFailure(errDial)

	if err := f.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(applier.callIDs()) != 0 {
		t.Error("offline drain must not touch the remote")
	}
	n, _ := log.Count(ctx)
	if n != 2 {
		t.Errorf("offline drain must leave the log intact, got %d", n)
	}
}

func TestConcurrentDrainReplaysOnce(t *testing.T) {
	log, oracle, notifier := newTestPipeline(t)
	applier := &fakeApplier{delay: 20 * time.Millisecond}
	f := NewFlusher(oracle, log, applier, cache.New(nil), notifier, nil)
	ctx := context.Background()

	queueN(t, log, 3)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.Drain(ctx); err != nil {
				t.Errorf("Drain failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := applier.callIDs(); len(got) != 3 {
		t.Errorf("expected each op replayed exactly once, got %d calls", len(got))
	}
}

// Full offline round trip: two writes queued while offline, reconnect, drain.
func TestOfflineWritesSyncOnReconnect(t *testing.T) {
	log, oracle, notifier := newTestPipeline(t)
	store := cache.New(nil)
	applier := &fakeApplier{}
	e := NewExecutor(oracle, log, notifier, nil)
	f := NewFlusher(oracle, log, applier, store, notifier, nil)
	ctx := context.Background()

	var fetches atomic.Int64
	fetch := func(ctx context.Context) (any, error) { return fetches.Add(1), nil }
	if _, err := store.Get(ctx, "projects", fetch); err != nil {
		t.Fatal(err)
	}

	oracle.ReportFailure(errDial)

	for _, res := range []string{"projects", "tasks"} {
		out, err := e.Execute(ctx, oplog.Operation{
			Resource: res,
			Kind:     oplog.KindInsert,
			Payload:  map[string]any{"name": res},
		}, nil)
		if err != nil {
			t.Fatalf("Execute %s: %v", res, err)
		}
		if !out.Queued {
			t.Fatalf("expected %s queued while offline", res)
		}
	}

	oracle.SetOnline()
	if err := f.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	n, _ := log.Count(ctx)
	if n != 0 {
		t.Errorf("expected empty log after reconnect drain, got %d", n)
	}
	if got := applier.callIDs(); len(got) != 2 || got[0] >= got[1] {
		t.Errorf("expected both writes replayed in order, got %v", got)
	}

	// Exactly one synced notice beyond the two saved-offline ones, and
	// exactly one cache invalidation.
	infos, errs := notifier.counts()
	if infos != 3 || errs != 0 {
		t.Errorf("expected 3 info notices and no errors, got %d/%d", infos, errs)
	}
	if _, err := store.Get(ctx, "projects", fetch); err != nil {
		t.Fatal(err)
	}
	if fetches.Load() != 2 {
		t.Errorf("expected one refetch after drain, got %d fetches", fetches.Load())
	}
}

func TestDrainEmptyQueueStaysQuiet(t *testing.T) {
	log, oracle, notifier := newTestPipeline(t)
	store := cache.New(nil)
	f := NewFlusher(oracle, log, &fakeApplier{}, store, notifier, nil)
	ctx := context.Background()

	// Prime an entry; an empty drain must not invalidate it.
	var fetches atomic.Int64
	fetch := func(ctx context.Context) (any, error) { return fetches.Add(1), nil }
	if _, err := store.Get(ctx, "projects", fetch); err != nil {
		t.Fatal(err)
	}

	if err := f.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	infos, _ := notifier.counts()
	if infos != 0 {
		t.Errorf("empty drain must not announce a sync, got %d notices", infos)
	}
	if _, err := store.Get(ctx, "projects", fetch); err != nil {
		t.Fatal(err)
	}
	if fetches.Load() != 1 {
		t.Errorf("empty drain must not invalidate the cache, got %d fetches", fetches.Load())
	}
}
