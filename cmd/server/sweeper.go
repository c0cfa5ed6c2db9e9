package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sweeper is the shape shared by the upload orphan sweep and the expired
// package sweep.
type sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type sweeperFunc func(ctx context.Context) (int, error)

func (f sweeperFunc) Sweep(ctx context.Context) (int, error) { return f(ctx) }

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

func startSweepWorker(ctx context.Context, logger *slog.Logger, name string, task sweeper, interval time.Duration) func() {
	return startSweepWorkerWithTicker(ctx, logger, name, task, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSweepWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	name string,
	task sweeper,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if task == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				removed, err := task.Sweep(workerCtx)
				if err != nil {
					if logger != nil {
						logger.Error("sweep failed", "sweep", name, "error", err)
					}
					continue
				}
				if removed > 0 && logger != nil {
					logger.Info("sweep completed", "sweep", name, "removed", removed)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
