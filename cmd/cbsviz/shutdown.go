package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nmxmxh/cbs/internal/obslog"
)

// gracefulShutdown runs a set of registered shutdown functions in LIFO
// order, in parallel, and bounds the whole teardown by a timeout.
type gracefulShutdown struct {
	mu      sync.Mutex
	fns     []func() error
	timeout time.Duration
	log     *obslog.Logger
}

func newGracefulShutdown(timeout time.Duration, log *obslog.Logger) *gracefulShutdown {
	return &gracefulShutdown{timeout: timeout, log: log}
}

func (g *gracefulShutdown) register(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fns = append(g.fns, fn)
}

func (g *gracefulShutdown) run(ctx context.Context) error {
	g.mu.Lock()
	fns := append([]func() error(nil), g.fns...)
	g.mu.Unlock()

	g.log.Info("starting graceful shutdown", obslog.Int("components", len(fns)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(fns))
	for idx := len(fns) - 1; idx >= 0; idx-- {
		wg.Add(1)
		fn := fns[idx]
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				g.log.Error("shutdown step failed", obslog.Err(err))
				errs <- err
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.log.Info("graceful shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		g.log.Warn("graceful shutdown timed out")
		return errors.New("cbsviz: shutdown timed out")
	}
}
