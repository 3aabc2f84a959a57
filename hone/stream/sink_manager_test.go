package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"

	"github.com/hone-ai/hone/ci"
	"github.com/hone-ai/hone/helper/testlog"
	"github.com/hone-ai/hone/hone/structs"
)

// captureSink records every event it receives.
type captureSink struct {
	mu     sync.Mutex
	events []*structs.Event
	err    error
}

func (c *captureSink) Send(_ context.Context, e *structs.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestSinkManager_Emit(t *testing.T) {
	ci.Parallel(t)

	sink := &captureSink{}
	m := NewSinkManager(testlog.HCLogger(t), []Sink{sink}, 16)
	m.Start()
	defer m.Stop()

	for i := 0; i < 5; i++ {
		m.Emit(&structs.Event{
			Topic: structs.TopicSkill,
			Type:  structs.TypeArmSelected,
			Key:   "skill-1",
		})
	}

	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool { return sink.len() == 5 }),
		wait.Timeout(3*time.Second),
		wait.Gap(10*time.Millisecond),
	))

	// Events are index-stamped in emission order.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, event := range sink.events {
		must.Eq(t, uint64(i+1), event.Index)
	}

	stats := m.Stats()
	must.Eq(t, uint64(5), stats.Sent)
	must.Eq(t, uint64(0), stats.Dropped)
}

func TestSinkManager_DropsWhenStopped(t *testing.T) {
	ci.Parallel(t)

	sink := &captureSink{}
	m := NewSinkManager(testlog.HCLogger(t), []Sink{sink}, 16)
	must.False(t, m.Running())

	// Not started: events are counted as dropped, not delivered.
	m.Emit(&structs.Event{Topic: structs.TopicSkill, Type: structs.TypeArmSelected})
	must.Eq(t, uint64(1), m.Stats().Dropped)

	m.Start()
	must.True(t, m.Running())
	m.Stop()
	must.False(t, m.Running())
	m.Emit(&structs.Event{Topic: structs.TopicSkill, Type: structs.TypeArmSelected})
	must.Eq(t, uint64(2), m.Stats().Dropped)
	must.Eq(t, 0, sink.len())
}

func TestSinkManager_FailureAccounting(t *testing.T) {
	ci.Parallel(t)

	sink := &captureSink{err: fmt.Errorf("sink offline")}
	m := NewSinkManager(testlog.HCLogger(t), []Sink{sink}, 16)
	m.Start()
	defer m.Stop()

	m.Emit(&structs.Event{Topic: structs.TopicSkill, Type: structs.TypeReflectionCompleted})

	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool { return m.Stats().Failed == 1 }),
		wait.Timeout(3*time.Second),
		wait.Gap(10*time.Millisecond),
	))
	must.Eq(t, uint64(0), m.Stats().Sent)
}

func TestSinkManager_NoSinks(t *testing.T) {
	ci.Parallel(t)

	m := NewSinkManager(testlog.HCLogger(t), nil, 0)
	m.Start()
	defer m.Stop()

	// With no sinks emission is a no-op rather than an accumulating buffer.
	m.Emit(&structs.Event{Topic: structs.TopicSkill, Type: structs.TypeArmSelected})
	must.Eq(t, uint64(0), m.Stats().Dropped)
}
