// Package memwatch notifies listeners when system memory usage crosses a
// threshold, so indexes can drop their caches.
package memwatch

import (
	"context"
	"sync"
	"time"

	"github.com/rpcpool/invindex/indexconfig"
	"github.com/rpcpool/invindex/metrics"
	"github.com/shirou/gopsutil/v3/mem"
	"k8s.io/klog/v2"
)

// UsageFunc returns the used memory in percent.
type UsageFunc func(ctx context.Context) (float64, error)

// SystemUsage reads the used memory percentage of the host.
func SystemUsage(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

type Watcher struct {
	threshold float64
	interval  time.Duration
	usage     UsageFunc

	mu        sync.Mutex
	listeners map[uint64]func()
	nextID    uint64
	above     bool
}

// New returns a watcher for cfg.LowMemory. usage may be nil, in which case
// SystemUsage is used.
func New(cfg indexconfig.Config, usage UsageFunc) *Watcher {
	cfg = cfg.WithDefaults()
	if usage == nil {
		usage = SystemUsage
	}
	return &Watcher{
		threshold: cfg.LowMemory.Threshold,
		interval:  cfg.LowMemory.Interval,
		usage:     usage,
		listeners: make(map[uint64]func()),
	}
}

// Register adds fn to the listeners and returns a func that removes it.
func (w *Watcher) Register(fn func()) (unregister func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.listeners, id)
	}
}

func (w *Watcher) Listeners() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.listeners)
}

// Check samples memory usage once. Listeners are called when usage goes
// from below the threshold to at or above it.
func (w *Watcher) Check(ctx context.Context) (fired bool, err error) {
	if w.threshold <= 0 {
		return false, nil
	}
	pct, err := w.usage(ctx)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	crossed := pct >= w.threshold && !w.above
	w.above = pct >= w.threshold
	var listeners []func()
	if crossed {
		for _, fn := range w.listeners {
			listeners = append(listeners, fn)
		}
	}
	w.mu.Unlock()

	if !crossed {
		return false, nil
	}
	klog.Warningf("memory usage %.1f%% crossed %.1f%%, notifying %d listeners", pct, w.threshold, len(listeners))
	metrics.LowMemoryEvents.Inc()
	for _, fn := range listeners {
		fn()
	}
	return true, nil
}

// Run samples memory usage until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if w.threshold <= 0 {
		klog.V(2).Info("low memory watcher disabled")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil {
				klog.Errorf("failed to read memory usage: %v", err)
			}
		}
	}
}
