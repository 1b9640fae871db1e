// Command cbsviz runs a small demo Instance and streams its Describe()
// output over a websocket so a browser-side visualizer can watch ranges
// coalesce and split in real time.
package main

import (
	"context"
	"flag"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nmxmxh/cbs/cbs"
	"github.com/nmxmxh/cbs/internal/obslog"
)

func main() {
	addr := flag.String("addr", ":8090", "http listen address")
	interval := flag.Duration("interval", 500*time.Millisecond, "snapshot broadcast interval")
	spaceSize := flag.Uint64("space", 1<<20, "synthetic address space size in bytes")
	flag.Parse()

	runID := obslog.NewID()
	log := obslog.Default("cbsviz")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	arena := make([]byte, *spaceSize)
	inst, err := cbs.New(cbs.Config{
		Alignment:    8,
		MinSize:      64,
		MayUseInline: true,
		FastFind:     true,
		Arena:        arena,
		MaxRecords:   4096,
		Observers: cbs.Observers{
			New: func(b *cbs.Block, _, newSize uintptr) {
				log.Debug("block tracked", obslog.String("range", b.Range().String()), obslog.Uint("size", uint(newSize)))
			},
			Delete: func(b *cbs.Block, oldSize, _ uintptr) {
				log.Debug("block released", obslog.String("range", b.Range().String()), obslog.Uint("size", uint(oldSize)))
			},
		},
	})
	if err != nil {
		log.Error("failed to construct instance", obslog.Err(err))
		return
	}
	if _, err := inst.Insert(0, cbs.Addr(*spaceSize)); err != nil {
		log.Error("failed to seed instance", obslog.Err(err))
		return
	}

	stream := newStreamServer(inst, *interval, log)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", stream.handleWS)
	httpServer := &http.Server{Addr: *addr, Handler: mux}

	shutdown := newGracefulShutdown(5*time.Second, log)
	shutdown.register(func() error { return httpServer.Close() })

	go driveSyntheticLoad(ctx, inst, *spaceSize, log)
	go stream.run(ctx)

	log.Info("listening", obslog.String("addr", *addr), obslog.String("run_id", runID))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", obslog.Err(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	if err := shutdown.run(context.Background()); err != nil {
		log.Error("shutdown error", obslog.Err(err))
	}
}

// driveSyntheticLoad periodically deletes and reinserts small slices of
// the address space so the stream has something to show; it exists only
// for this demo tool, never for the cbs package itself.
func driveSyntheticLoad(ctx context.Context, inst *cbs.Instance, spaceSize uint64, log *obslog.Logger) {
	rng := rand.New(rand.NewSource(1))
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			base := cbs.Addr((uint64(rng.Intn(int(spaceSize/64))) * 64))
			limit := base + cbs.Addr(64)
			if err := inst.Delete(base, limit); err != nil {
				continue
			}
			if _, err := inst.Insert(base, limit); err != nil {
				log.Warn("reinsert failed", obslog.Err(err))
			}
		}
	}
}
