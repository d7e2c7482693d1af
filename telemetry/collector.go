package telemetry

import (
	"sync"
	"time"
)

// HealthSource reports the live state sampled into gauges.
type HealthSource interface {
	CacheSize() int
	BrokerHealthy() bool
	DatabaseHealthy() bool
}

// HealthCollector periodically samples a HealthSource and updates the
// connectivity and backlog gauges.
type HealthCollector struct {
	source   HealthSource
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewHealthCollector(source HealthSource, interval time.Duration) *HealthCollector {
	return &HealthCollector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (hc *HealthCollector) Start() {
	hc.wg.Add(1)
	go hc.collectLoop()
}

// Stop halts the collection and waits for the loop to exit.
func (hc *HealthCollector) Stop() {
	close(hc.stopCh)
	hc.wg.Wait()
}

func (hc *HealthCollector) collectLoop() {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	hc.collect()
	for {
		select {
		case <-ticker.C:
			hc.collect()
		case <-hc.stopCh:
			return
		}
	}
}

func (hc *HealthCollector) collect() {
	CacheEntries.Set(float64(hc.source.CacheSize()))
	BrokerConnected.Set(boolGauge(hc.source.BrokerHealthy()))
	DatabaseReachable.Set(boolGauge(hc.source.DatabaseHealthy()))
}

func boolGauge(up bool) float64 {
	if up {
		return 1
	}
	return 0
}
