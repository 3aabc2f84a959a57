package hone

import (
	"time"

	metrics "github.com/hashicorp/go-metrics"
)

// BrokerStats returns all the stats about the evaluation broker.
type BrokerStats struct {
	// TotalReady is the number of tasks waiting for a worker.
	TotalReady int

	// TotalUnacked is the number of tasks handed out and not yet acked.
	TotalUnacked int

	// TotalFailed is the number of tasks dropped at the delivery limit.
	TotalFailed int
}

// Stats returns a snapshot of the broker's queue accounting.
func (b *EvalBroker) Stats() *BrokerStats {
	stats := new(BrokerStats)

	b.l.RLock()
	defer b.l.RUnlock()

	stats.TotalReady = b.stats.TotalReady
	stats.TotalUnacked = b.stats.TotalUnacked
	stats.TotalFailed = b.stats.TotalFailed
	return stats
}

// EmitStats exports queue gauges until stopCh closes.
func (b *EvalBroker) EmitStats(period time.Duration, stopCh <-chan struct{}) {
	for {
		select {
		case <-time.After(period):
			stats := b.Stats()
			metrics.SetGauge([]string{"hone", "broker", "total_ready"}, float32(stats.TotalReady))
			metrics.SetGauge([]string{"hone", "broker", "total_unacked"}, float32(stats.TotalUnacked))
			metrics.SetGauge([]string{"hone", "broker", "total_failed"}, float32(stats.TotalFailed))
		case <-stopCh:
			return
		}
	}
}
