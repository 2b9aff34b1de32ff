package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	p := NewWorkerPool(3)
	var running, peak atomic.Int32

	for i := 0; i < 20; i++ {
		p.Go(func() {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		})
	}
	p.Wait()

	if peak.Load() > 3 {
		t.Fatalf("expect at most 3 concurrent tasks, saw %d", peak.Load())
	}
	if p.Active() != 0 {
		t.Fatalf("expect idle pool, got %d active", p.Active())
	}
}

func TestWorkerPoolDrainTimeout(t *testing.T) {
	p := NewWorkerPool(0)
	if p.Size() != DefaultWorkers {
		t.Fatalf("expect default size %d, got %d", DefaultWorkers, p.Size())
	}

	release := make(chan struct{})
	p.Go(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Drain(ctx); err == nil {
		t.Fatal("expect Drain to time out while a task is blocked")
	}

	close(release)
	if err := p.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
}
