package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeSweeper struct {
	calls chan struct{}
	err   error
}

func newFakeSweeper() *fakeSweeper {
	return &fakeSweeper{calls: make(chan struct{}, 1)}
}

func (f *fakeSweeper) Sweep(context.Context) (int, error) {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return 1, f.err
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestStartSweepWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	task := newFakeSweeper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startSweepWorkerWithTicker(ctx, logger, "uploads", task, time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})

	ticker.Tick()
	select {
	case <-task.calls:
	case <-time.After(time.Second):
		t.Fatal("expected sweep to be invoked")
	}

	cancel()
	stop()

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after context cancellation")
	}
}

func TestStartSweepWorkerKeepsRunningAfterError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	task := newFakeSweeper()
	task.err = errors.New("transient failure")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startSweepWorkerWithTicker(ctx, logger, "packages", task, time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})
	defer stop()

	for i := 0; i < 2; i++ {
		ticker.Tick()
		select {
		case <-task.calls:
		case <-time.After(time.Second):
			t.Fatalf("expected sweep attempt %d despite errors", i+1)
		}
	}
}
