/*
monitor.go - Periodic stock level monitor

PURPOSE:
  Periodically reads the available count of every blood type, refreshes the
  stock gauges, and logs a warning for types at or below the low-stock
  threshold. Read-only: the monitor never issues or reserves units.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Checks once immediately on Start
  - Gauges are also refreshed by handlers after each mutating request

CONFIGURATION:
  - CheckInterval:     How often to check (default: 5 minutes)
  - LowStockThreshold: Units at or below which a type is reported (default: 2)
  - Enabled:           Whether the monitor is active (default: true)

USAGE:
  monitor := NewStockMonitor(service, metrics)
  monitor.Start()
  // ... later
  monitor.Stop()

SEE ALSO:
  - metrics.go: Gauges updated by Check
  - handlers.go: GetStock endpoint (on-demand view of the same data)
*/
package api

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/warp/bloodbank-engine/engine"
)

// StockMonitor handles periodic stock checks.
type StockMonitor struct {
	Service           *engine.Service
	Metrics           *Metrics
	CheckInterval     time.Duration
	LowStockThreshold int
	Enabled           bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewStockMonitor creates a new monitor.
func NewStockMonitor(svc *engine.Service, metrics *Metrics) *StockMonitor {
	return &StockMonitor{
		Service:           svc,
		Metrics:           metrics,
		CheckInterval:     5 * time.Minute,
		LowStockThreshold: 2,
		Enabled:           true,
	}
}

// Start begins the monitor.
func (sm *StockMonitor) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.Enabled {
		log.Println("[Monitor] Disabled, not starting")
		return
	}
	if sm.ticker != nil {
		return
	}

	sm.ticker = time.NewTicker(sm.CheckInterval)
	sm.stop = make(chan struct{})
	sm.wg.Add(1)

	go sm.run(sm.ticker, sm.stop)

	log.Printf("[Monitor] Started with check interval: %v, low-stock threshold: %d",
		sm.CheckInterval, sm.LowStockThreshold)
}

// Stop stops the monitor. Safe to call more than once.
func (sm *StockMonitor) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.ticker != nil {
		sm.ticker.Stop()
		close(sm.stop)
		sm.wg.Wait()
		sm.ticker = nil
		log.Println("[Monitor] Stopped")
	}
}

func (sm *StockMonitor) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer sm.wg.Done()

	// Run immediately on start
	sm.checkAndLog()

	for {
		select {
		case <-ticker.C:
			sm.checkAndLog()
		case <-stop:
			return
		}
	}
}

func (sm *StockMonitor) checkAndLog() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, _, err := sm.Check(ctx); err != nil {
		log.Printf("[Monitor] Error reading stock: %v", err)
	}
}

// Check reads stock once, refreshes the gauges, and returns all levels plus
// the subset at or below the threshold.
func (sm *StockMonitor) Check(ctx context.Context) ([]engine.StockLevel, []engine.StockLevel, error) {
	levels, low, err := sm.refresh(ctx)
	if err != nil {
		return nil, nil, err
	}

	if len(low) > 0 {
		names := make([]string, len(low))
		for i, l := range low {
			names[i] = l.BloodType.String() + "=" + strconv.Itoa(l.Available)
		}
		log.Printf("[Monitor] Low stock: %s", strings.Join(names, ", "))
	}
	return levels, low, nil
}

// refresh is Check without the log line.
func (sm *StockMonitor) refresh(ctx context.Context) ([]engine.StockLevel, []engine.StockLevel, error) {
	levels, err := sm.Service.Stock(ctx)
	if err != nil {
		return nil, nil, err
	}

	var low []engine.StockLevel
	for _, l := range levels {
		if l.Available <= sm.LowStockThreshold {
			low = append(low, l)
		}
	}
	if sm.Metrics != nil {
		sm.Metrics.setStock(levels, sm.LowStockThreshold)
	}
	return levels, low, nil
}

// RunNow triggers an immediate check (for testing/admin).
func (sm *StockMonitor) RunNow() {
	sm.checkAndLog()
}
