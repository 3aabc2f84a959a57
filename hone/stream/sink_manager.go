package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hone-ai/hone/hone/structs"
)

const (
	// defaultEventBuffer is the bounded channel size between emitters and
	// the delivery loop.
	defaultEventBuffer = 1024

	// defaultSendTimeout bounds a single sink delivery so one stuck sink
	// cannot stall the loop indefinitely.
	defaultSendTimeout = 5 * time.Second
)

// SinkManager fans runtime events out to registered sinks from a single
// delivery goroutine. Emit never blocks: when the buffer is full the event
// is dropped and counted. Events are stamped with a monotonic index at
// emission; ordering across event types is not guaranteed once more than
// one emitter is involved.
type SinkManager struct {
	logger hclog.Logger
	sinks  []Sink

	eventCh chan *structs.Event

	sendTimeout time.Duration

	// index stamps events at emission.
	index atomic.Uint64

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SinkManagerStats is a point-in-time snapshot of delivery accounting.
type SinkManagerStats struct {
	// Sent counts events handed to every sink without error.
	Sent uint64

	// Dropped counts events discarded because the buffer was full or the
	// manager was not running.
	Dropped uint64

	// Failed counts per-sink delivery errors.
	Failed uint64
}

// NewSinkManager builds a manager delivering to the given sinks. A zero
// buffer gets the default size.
func NewSinkManager(logger hclog.Logger, sinks []Sink, buffer int) *SinkManager {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &SinkManager{
		logger:      logger.Named("sink_manager"),
		sinks:       sinks,
		eventCh:     make(chan *structs.Event, buffer),
		sendTimeout: defaultSendTimeout,
	}
}

// Start launches the delivery loop. Starting an already running manager is
// a no-op.
func (m *SinkManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(m.stopCh, m.doneCh)
}

// Stop halts delivery after the in-flight event completes. Buffered events
// are discarded and counted as dropped.
func (m *SinkManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	doneCh := m.doneCh
	m.mu.Unlock()

	<-doneCh

	for {
		select {
		case <-m.eventCh:
			m.dropped.Add(1)
		default:
			return
		}
	}
}

// Running reports whether the delivery loop is active.
func (m *SinkManager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Emit queues one event for delivery. It never blocks; events emitted while
// the buffer is full or the manager is stopped are dropped and counted.
func (m *SinkManager) Emit(e *structs.Event) {
	if e == nil || len(m.sinks) == 0 {
		return
	}
	e.Index = m.index.Add(1)

	if !m.Running() {
		m.dropped.Add(1)
		return
	}
	select {
	case m.eventCh <- e:
	default:
		m.dropped.Add(1)
		metrics.IncrCounter([]string{"hone", "stream", "dropped"}, 1)
	}
}

// Stats returns a snapshot of delivery accounting.
func (m *SinkManager) Stats() *SinkManagerStats {
	return &SinkManagerStats{
		Sent:    m.sent.Load(),
		Dropped: m.dropped.Load(),
		Failed:  m.failed.Load(),
	}
}

// run is the delivery loop. One goroutine serves all sinks, so a single
// misbehaving sink degrades delivery latency but never event emission.
func (m *SinkManager) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		case event := <-m.eventCh:
			m.deliver(event)
		}
	}
}

func (m *SinkManager) deliver(event *structs.Event) {
	defer metrics.MeasureSince([]string{"hone", "stream", "deliver"}, time.Now())

	failed := false
	for _, sink := range m.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout)
		err := sink.Send(ctx, event)
		cancel()
		if err != nil {
			failed = true
			m.failed.Add(1)
			m.logger.Warn("event delivery failed",
				"type", event.Type, "key", event.Key, "error", err)
		}
	}
	if !failed {
		m.sent.Add(1)
	}
}
