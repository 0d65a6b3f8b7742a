package connectivity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var errDial = errors.New("dial tcp 10.0.0.1:443: connection refused")

func networkClassifier(err error) bool {
	return err != nil && strings.Contains(err.Error(), "connection refused")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartsOnline(t *testing.T) {
	o := New(nil, networkClassifier, Config{}, nil)
	defer o.Close()

	if !o.IsOnline() {
		t.Error("oracle must start online")
	}
	if o.Probing() {
		t.Error("no probe loop may run while online")
	}
}

func TestNetworkFailureFlipsOffline(t *testing.T) {
	probe := func(ctx context.Context) error { return errDial }
	o := New(probe, networkClassifier, Config{ProbeInterval: 10 * time.Millisecond}, nil)
	defer o.Close()

	if !o.ReportFailure(errDial) {
		t.Fatal("expected network classification")
	}
	if o.IsOnline() {
		t.Error("expected offline after network failure")
	}
	if !o.Probing() {
		t.Error("expected probe loop active after going offline")
	}
}

func TestApplicationErrorDoesNotFlip(t *testing.T) {
	o := New(nil, networkClassifier, Config{}, nil)
	defer o.Close()

	if o.ReportFailure(fmt.Errorf("permission denied")) {
		t.Error("application error must not classify as network failure")
	}
	if !o.IsOnline() {
		t.Error("application error must not flip the state")
	}
	if o.Probing() {
		t.Error("application error must not start the probe loop")
	}
}

func TestProbeSuccessRecoversAndCancelsInterval(t *testing.T) {
	var calls atomic.Int64
	probe := func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}
	o := New(probe, networkClassifier, Config{ProbeInterval: 10 * time.Millisecond}, nil)
	defer o.Close()

	o.ReportFailure(errDial)
	waitFor(t, o.IsOnline, "probe success did not flip state back online")

	if o.Probing() {
		t.Error("probe loop must be cancelled on recovery")
	}

	// No further probes may fire after recovery.
	settled := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != settled {
		t.Errorf("probe kept firing after recovery: %d -> %d", settled, calls.Load())
	}
}

func TestNativeOnlineSignalCancelsProbe(t *testing.T) {
	probe := func(ctx context.Context) error { return errDial }
	o := New(probe, networkClassifier, Config{ProbeInterval: time.Hour}, nil)
	defer o.Close()

	o.ReportFailure(errDial)
	if !o.Probing() {
		t.Fatal("expected probe loop")
	}

	o.SetOnline()
	if !o.IsOnline() {
		t.Error("expected online after native signal")
	}
	if o.Probing() {
		t.Error("native online signal must cancel the probe loop")
	}
}

func TestOnlyOneProbeLoop(t *testing.T) {
	var calls atomic.Int64
	probe := func(ctx context.Context) error {
		calls.Add(1)
		return errDial
	}
	o := New(probe, networkClassifier, Config{ProbeInterval: 10 * time.Millisecond}, nil)
	defer o.Close()

	// Repeated failures while already offline must not stack probe loops.
	o.ReportFailure(errDial)
	o.ReportFailure(errDial)
	o.ReportFailure(errDial)

	time.Sleep(55 * time.Millisecond)
	got := calls.Load()
	if got > 8 {
		t.Errorf("probe fired %d times in ~5 intervals, loops are stacking", got)
	}
}

func TestSubscribersSeeTransitions(t *testing.T) {
	probe := func(ctx context.Context) error { return errDial }
	o := New(probe, networkClassifier, Config{ProbeInterval: time.Hour}, nil)
	defer o.Close()

	var transitions []bool
	done := make(chan struct{}, 2)
	o.Subscribe(func(online bool) {
		transitions = append(transitions, online)
		done <- struct{}{}
	})

	o.ReportFailure(errDial)
	<-done
	o.SetOnline()
	<-done

	if len(transitions) != 2 || transitions[0] || !transitions[1] {
		t.Errorf("unexpected transition sequence %v", transitions)
	}

	// Repeated signals in the same state are not transitions.
	o.SetOnline()
	select {
	case <-done:
		t.Error("SetOnline while online must not notify")
	case <-time.After(20 * time.Millisecond):
	}
}
