package hone

import (
	"math/rand/v2"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hone-ai/hone/hone/stream"
)

// Config is used to parameterize the runtime server.
type Config struct {
	// Logger is the root logger; components derive named loggers from it.
	Logger hclog.Logger

	// Store is the persistence backend.
	Store Storage

	// Upstream, Judge, Embedder, and MetaPrompter are the LLM-facing
	// collaborators. All four are required.
	Upstream     UpstreamClient
	Judge        JudgeClient
	Embedder     Embedder
	MetaPrompter MetaPrompter

	// Sinks receive runtime events. Empty means events are dropped.
	Sinks []stream.Sink

	// EventBufferSize bounds the channel between event emitters and sink
	// delivery.
	EventBufferSize int

	// EvalWorkers is the number of goroutines dequeueing evaluation tasks.
	EvalWorkers int

	// EvalDequeueTimeout bounds a single blocking dequeue so workers can
	// observe shutdown.
	EvalDequeueTimeout time.Duration

	// EvalNackTimeout is how long a dequeued task may remain unacked
	// before the broker takes it back.
	EvalNackTimeout time.Duration

	// EvalDeliveryLimit is how many times a task is redelivered before the
	// broker drops it.
	EvalDeliveryLimit int

	// JudgeTimeout bounds one judge call, including the time the provider
	// spends grading.
	JudgeTimeout time.Duration

	// JudgeRetryAttempts is the total number of tries per judge call.
	JudgeRetryAttempts int

	// JudgeRetryBaseDelay is the first backoff delay; it doubles per
	// attempt.
	JudgeRetryBaseDelay time.Duration

	// SkillJudgeConcurrency caps concurrent judge calls per skill;
	// GlobalJudgeConcurrency caps them across all skills.
	SkillJudgeConcurrency  int
	GlobalJudgeConcurrency int

	// StatUpdateRetries is how many times a conflicting arm stat update is
	// retried before the reward is dropped.
	StatUpdateRetries int

	// EarlyRegenMinLogs is the embedded log count that arms the one-shot
	// early regeneration trigger.
	EarlyRegenMinLogs int

	// ReflectionWorstExamples is how many low-reward samples are fed to a
	// prompt rewrite alongside the single best one.
	ReflectionWorstExamples int

	// ReflectTimeout and PartitionTimeout bound a controller pass once it
	// holds its lock.
	ReflectTimeout   time.Duration
	PartitionTimeout time.Duration

	// ReflectLockTTL and OptimizeLockTTL are the lock leases. A holder
	// past its TTL is fenced out by the next acquirer.
	ReflectLockTTL  time.Duration
	OptimizeLockTTL time.Duration

	// PartitionLogCap is the safety cap on logs fed into one k-means pass.
	PartitionLogCap int

	// ControllerQueryLimit is the rate, in queries per second, at which the
	// background controllers may read from storage. It keeps partitioning
	// and reflection passes from starving the request path.
	ControllerQueryLimit float64

	// CentroidCacheSize is the number of (skill, partition) centroid sets
	// the router keeps in memory.
	CentroidCacheSize int

	// UpstreamCooldown is how long a (provider, model) pair is marked
	// degraded after an upstream failure. The mark is advisory.
	UpstreamCooldown time.Duration

	// LogRetention prunes logs and evaluation runs older than this when
	// set; zero keeps everything. GCInterval is how often the pruning loop
	// wakes.
	LogRetention time.Duration
	GCInterval   time.Duration

	// Seed makes arm sampling and k-means seeding deterministic when
	// non-zero. Production leaves it zero.
	Seed uint64
}

// DefaultConfig returns the configuration the server runs with when the
// operator overrides nothing.
func DefaultConfig() *Config {
	return &Config{
		EventBufferSize:         1024,
		EvalWorkers:             4,
		EvalDequeueTimeout:      500 * time.Millisecond,
		EvalNackTimeout:         60 * time.Second,
		EvalDeliveryLimit:       3,
		JudgeTimeout:            30 * time.Second,
		JudgeRetryAttempts:      4,
		JudgeRetryBaseDelay:     time.Second,
		SkillJudgeConcurrency:   10,
		GlobalJudgeConcurrency:  100,
		StatUpdateRetries:       3,
		EarlyRegenMinLogs:       5,
		ReflectionWorstExamples: 3,
		ReflectTimeout:          5 * time.Minute,
		PartitionTimeout:        10 * time.Minute,
		ReflectLockTTL:          5 * time.Minute,
		OptimizeLockTTL:         10 * time.Minute,
		PartitionLogCap:         5000,
		ControllerQueryLimit:    100,
		CentroidCacheSize:       512,
		UpstreamCooldown:        30 * time.Second,
		GCInterval:              10 * time.Minute,
	}
}

// randSource returns the sampling source implied by the seed, or a randomly
// seeded one. offset decorrelates the consumers sharing one configured seed.
func (c *Config) randSource(offset uint64) rand.Source {
	if c.Seed == 0 {
		return rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return rand.NewPCG(c.Seed, c.Seed^offset)
}
