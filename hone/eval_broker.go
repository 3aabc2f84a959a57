package hone

import (
	"errors"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-set/v3"

	"github.com/hone-ai/hone/helper/uuid"
)

var (
	// ErrNotOutstanding is returned when an ack or nack references a task
	// the broker is not waiting on.
	ErrNotOutstanding = errors.New("task is not outstanding")

	// ErrTokenMismatch is returned when an ack or nack carries a token
	// from a previous delivery of the task.
	ErrTokenMismatch = errors.New("token does not match outstanding task")
)

// EvalTask is one queued evaluation pass: a log waiting to be scored.
type EvalTask struct {
	LogID   string
	SkillID string
}

// EvalBroker hands evaluation tasks to the worker pool. Tasks are deduped
// by log ID while tracked, redelivered when a worker nacks or goes silent
// past the nack timeout, and dropped after the delivery limit. The broker
// starts disabled; nothing is accepted until the server enables it.
type EvalBroker struct {
	nackTimeout   time.Duration
	deliveryLimit int

	enabled bool

	// ready is the pending FIFO.
	ready []*EvalTask

	// unack maps log ID to its outstanding delivery.
	unack map[string]*unackedTask

	// seen tracks every log ID in ready or unack so duplicate enqueues
	// are no-ops.
	seen *set.Set[string]

	// deliveries counts deliveries per log ID toward the delivery limit.
	deliveries map[string]int

	// waitCh wakes blocked dequeuers; it is closed and replaced whenever
	// work arrives or the broker is enabled.
	waitCh chan struct{}

	stats *BrokerStats

	l sync.RWMutex
}

// unackedTask is a delivery the broker is waiting to have acked.
type unackedTask struct {
	task      *EvalTask
	token     string
	nackTimer *time.Timer
}

// NewEvalBroker returns a disabled broker. A non-positive delivery limit
// means a single delivery.
func NewEvalBroker(nackTimeout time.Duration, deliveryLimit int) *EvalBroker {
	if deliveryLimit <= 0 {
		deliveryLimit = 1
	}
	return &EvalBroker{
		nackTimeout:   nackTimeout,
		deliveryLimit: deliveryLimit,
		unack:         make(map[string]*unackedTask),
		seen:          set.New[string](8),
		deliveries:    make(map[string]int),
		waitCh:        make(chan struct{}),
		stats:         new(BrokerStats),
	}
}

// Enabled reports whether the broker is accepting and handing out tasks.
func (b *EvalBroker) Enabled() bool {
	b.l.RLock()
	defer b.l.RUnlock()
	return b.enabled
}

// SetEnabled toggles the broker. Disabling flushes all state; tasks
// enqueued while disabled are lost, and the next trigger re-creates them.
func (b *EvalBroker) SetEnabled(enabled bool) {
	b.l.Lock()
	prev := b.enabled
	b.enabled = enabled
	if enabled && !prev {
		b.wakeLocked()
	}
	b.l.Unlock()

	if !enabled {
		b.Flush()
	}
}

// Enqueue adds a task to the queue. Tasks for a log already tracked, and
// all tasks while the broker is disabled, are dropped.
func (b *EvalBroker) Enqueue(task *EvalTask) {
	b.l.Lock()
	defer b.l.Unlock()

	if !b.enabled {
		return
	}
	if !b.seen.Insert(task.LogID) {
		return
	}

	b.ready = append(b.ready, task)
	b.stats.TotalReady++
	metrics.IncrCounter([]string{"hone", "broker", "enqueue"}, 1)
	b.wakeLocked()
}

// Dequeue blocks until a task is available or the timeout elapses, in which
// case it returns a nil task. The returned token must accompany the ack or
// nack for this delivery.
func (b *EvalBroker) Dequeue(timeout time.Duration) (*EvalTask, string, error) {
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	for {
		b.l.Lock()
		if b.enabled && len(b.ready) > 0 {
			task, token := b.deliverLocked()
			b.l.Unlock()
			return task, token, nil
		}
		wait := b.waitCh
		b.l.Unlock()

		select {
		case <-wait:
		case <-timeoutTimer.C:
			return nil, "", nil
		}
	}
}

// deliverLocked pops the head of the queue and records the outstanding
// delivery. Callers hold the write lock.
func (b *EvalBroker) deliverLocked() (*EvalTask, string) {
	task := b.ready[0]
	b.ready = b.ready[1:]
	token := uuid.Generate()

	u := &unackedTask{task: task, token: token}
	if b.nackTimeout > 0 {
		u.nackTimer = time.AfterFunc(b.nackTimeout, func() {
			b.timeoutUnack(task.LogID, token)
		})
	}
	b.unack[task.LogID] = u
	b.deliveries[task.LogID]++
	b.stats.TotalReady--
	b.stats.TotalUnacked++
	return task, token
}

// Outstanding returns the delivery token for a log the broker is waiting
// on.
func (b *EvalBroker) Outstanding(logID string) (string, bool) {
	b.l.RLock()
	defer b.l.RUnlock()
	u, ok := b.unack[logID]
	if !ok {
		return "", false
	}
	return u.token, true
}

// Ack marks a delivery complete and forgets the log.
func (b *EvalBroker) Ack(logID, token string) error {
	b.l.Lock()
	defer b.l.Unlock()

	u, ok := b.unack[logID]
	if !ok {
		return ErrNotOutstanding
	}
	if u.token != token {
		return ErrTokenMismatch
	}
	if u.nackTimer != nil {
		u.nackTimer.Stop()
	}

	delete(b.unack, logID)
	b.seen.Remove(logID)
	delete(b.deliveries, logID)
	b.stats.TotalUnacked--
	metrics.IncrCounter([]string{"hone", "broker", "ack"}, 1)
	return nil
}

// Nack returns a failed delivery to the queue, or drops the task once the
// delivery limit is spent.
func (b *EvalBroker) Nack(logID, token string) error {
	b.l.Lock()
	defer b.l.Unlock()

	u, ok := b.unack[logID]
	if !ok {
		return ErrNotOutstanding
	}
	if u.token != token {
		return ErrTokenMismatch
	}
	if u.nackTimer != nil {
		u.nackTimer.Stop()
	}

	b.requeueLocked(u)
	metrics.IncrCounter([]string{"hone", "broker", "nack"}, 1)
	return nil
}

// timeoutUnack reclaims a delivery whose worker went silent. The token
// guards against racing a late ack.
func (b *EvalBroker) timeoutUnack(logID, token string) {
	b.l.Lock()
	defer b.l.Unlock()

	u, ok := b.unack[logID]
	if !ok || u.token != token {
		return
	}
	b.requeueLocked(u)
	metrics.IncrCounter([]string{"hone", "broker", "nack_timeout"}, 1)
}

// requeueLocked puts an outstanding delivery back on the queue or drops it
// at the delivery limit. Callers hold the write lock.
func (b *EvalBroker) requeueLocked(u *unackedTask) {
	logID := u.task.LogID
	delete(b.unack, logID)
	b.stats.TotalUnacked--

	if b.deliveries[logID] >= b.deliveryLimit {
		b.seen.Remove(logID)
		delete(b.deliveries, logID)
		b.stats.TotalFailed++
		metrics.IncrCounter([]string{"hone", "broker", "failed"}, 1)
		return
	}

	b.ready = append(b.ready, u.task)
	b.stats.TotalReady++
	b.wakeLocked()
}

// Flush clears all broker state and stops outstanding nack timers.
func (b *EvalBroker) Flush() {
	b.l.Lock()
	defer b.l.Unlock()

	for _, u := range b.unack {
		if u.nackTimer != nil {
			u.nackTimer.Stop()
		}
	}

	b.ready = nil
	b.unack = make(map[string]*unackedTask)
	b.seen = set.New[string](8)
	b.deliveries = make(map[string]int)
	b.stats = new(BrokerStats)
	b.wakeLocked()
}

// wakeLocked wakes every blocked dequeuer. Callers hold the write lock.
func (b *EvalBroker) wakeLocked() {
	close(b.waitCh)
	b.waitCh = make(chan struct{})
}
