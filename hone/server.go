package hone

import (
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hone-ai/hone/bandit"
	"github.com/hone-ai/hone/helper/broker"
	"github.com/hone-ai/hone/hone/lock"
	"github.com/hone-ai/hone/hone/stream"
	"github.com/hone-ai/hone/hone/structs"
	"github.com/hone-ai/hone/version"
)

// Server is the skill optimization runtime. It serves routed requests, runs
// asynchronous evaluation workers against them, and launches the partitioning
// and reflection controllers off request-path triggers. All state lives in
// the injected Storage; the server itself can be discarded and rebuilt
// against the same store.
type Server struct {
	config *Config
	logger hclog.Logger

	store    Storage
	upstream UpstreamClient
	judge    JudgeClient
	embedder Embedder
	meta     MetaPrompter

	router   *Router
	selector *bandit.Selector
	locks    *lock.Service
	cooldown *CooldownTracker

	// queryLimiter bounds storage reads issued by the background
	// controllers so they cannot starve the request path.
	queryLimiter *rate.Limiter

	// evalBroker feeds the evaluation workers; sinks fan events out.
	evalBroker *EvalBroker
	sinks      *stream.SinkManager

	// judgeSem caps judge calls across every skill. Per-skill caps live in
	// skillSems and are created lazily.
	judgeSem  *semaphore.Weighted
	skillSems *skillSemaphores

	// inflight dedupes controller launches per (skill, purpose) so a burst
	// of requests schedules each background pass at most once.
	inflight     *set.Set[string]
	inflightLock sync.Mutex

	// maintNotifier broadcasts completed controller passes. Consumers wait
	// on it instead of polling storage.
	maintNotifier *broker.GenericNotifier

	workerWg sync.WaitGroup

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewServer builds and starts a runtime from the given configuration. The
// evaluation workers, sink delivery, stats emission, and garbage collection
// loops are running when it returns.
func NewServer(config *Config) (*Server, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	logger = logger.Named("hone")
	logger.Info("starting runtime", "version", version.GetVersion().VersionNumber())

	router, err := NewRouter(logger, config.Store, config.CentroidCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:        config,
		logger:        logger,
		store:         config.Store,
		upstream:      config.Upstream,
		judge:         config.Judge,
		embedder:      config.Embedder,
		meta:          config.MetaPrompter,
		router:        router,
		selector:      bandit.NewSelector(config.randSource(1)),
		cooldown:      NewCooldownTracker(config.UpstreamCooldown),
		evalBroker:    NewEvalBroker(config.EvalNackTimeout, config.EvalDeliveryLimit),
		sinks:         stream.NewSinkManager(logger, config.Sinks, config.EventBufferSize),
		judgeSem:      semaphore.NewWeighted(int64(config.GlobalJudgeConcurrency)),
		skillSems:     newSkillSemaphores(int64(config.SkillJudgeConcurrency)),
		inflight:      set.New[string](8),
		maintNotifier: broker.NewGenericNotifier(),
		shutdownCh:    make(chan struct{}),
	}
	s.locks = lock.NewService(logger, config.Store, config.ReflectLockTTL, config.OptimizeLockTTL)

	queryLimit := config.ControllerQueryLimit
	if queryLimit <= 0 {
		queryLimit = DefaultConfig().ControllerQueryLimit
	}
	s.queryLimiter = rate.NewLimiter(rate.Limit(queryLimit), 100)

	s.sinks.Start()
	s.evalBroker.SetEnabled(true)

	for i := 0; i < config.EvalWorkers; i++ {
		s.workerWg.Add(1)
		go s.runEvalWorker(i)
	}

	go s.maintNotifier.Run(s.shutdownCh)
	go s.evalBroker.EmitStats(time.Second, s.shutdownCh)

	if config.LogRetention > 0 {
		s.workerWg.Add(1)
		go s.runGC()
	}

	return s, nil
}

func validateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is required")
	}
	if config.Store == nil {
		return fmt.Errorf("storage backend is required")
	}
	if config.Upstream == nil {
		return fmt.Errorf("upstream client is required")
	}
	if config.Judge == nil {
		return fmt.Errorf("judge client is required")
	}
	if config.Embedder == nil {
		return fmt.Errorf("embedder is required")
	}
	if config.MetaPrompter == nil {
		return fmt.Errorf("meta prompter is required")
	}
	if config.EvalWorkers <= 0 {
		return fmt.Errorf("eval workers must be positive, got %d", config.EvalWorkers)
	}
	if config.GlobalJudgeConcurrency <= 0 || config.SkillJudgeConcurrency <= 0 {
		return fmt.Errorf("judge concurrency caps must be positive")
	}
	return nil
}

// Shutdown stops the workers and background loops. In-flight controller
// passes run to completion; their locks release on their own exit paths.
func (s *Server) Shutdown() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()

	if s.shutdown {
		return nil
	}
	s.logger.Info("shutting down")
	s.shutdown = true
	close(s.shutdownCh)

	s.evalBroker.SetEnabled(false)
	s.workerWg.Wait()
	s.sinks.Stop()
	return nil
}

// IsShutdown reports whether Shutdown has been called.
func (s *Server) IsShutdown() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

// WaitForMaintenance blocks until any controller pass completes or the
// timeout elapses, returning the notifier's message. It exists for callers
// that would otherwise poll storage for controller effects.
func (s *Server) WaitForMaintenance(timeout time.Duration) interface{} {
	return s.maintNotifier.WaitForChange(timeout)
}

// emit publishes one runtime event to the sinks.
func (s *Server) emit(eventType, skillID string, payload interface{}) {
	s.sinks.Emit(&structs.Event{
		Topic:   structs.TopicSkill,
		Type:    eventType,
		Key:     skillID,
		Payload: payload,
	})
}

// tryMarkInflight records a controller launch for the skill and purpose,
// returning false when one is already pending or running.
func (s *Server) tryMarkInflight(skillID string, purpose structs.LockPurpose) bool {
	key := skillID + "/" + string(purpose)
	s.inflightLock.Lock()
	defer s.inflightLock.Unlock()
	return s.inflight.Insert(key)
}

// clearInflight releases the launch slot taken by tryMarkInflight.
func (s *Server) clearInflight(skillID string, purpose structs.LockPurpose) {
	key := skillID + "/" + string(purpose)
	s.inflightLock.Lock()
	defer s.inflightLock.Unlock()
	s.inflight.Remove(key)
}

// skillSemaphores hands out one weighted semaphore per skill, lazily. The
// per-skill cap bounds judge fan-out for a single skill independently of the
// global cap.
type skillSemaphores struct {
	limit int64

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newSkillSemaphores(limit int64) *skillSemaphores {
	return &skillSemaphores{
		limit: limit,
		sems:  make(map[string]*semaphore.Weighted),
	}
}

func (s *skillSemaphores) get(skillID string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[skillID]
	if !ok {
		sem = semaphore.NewWeighted(s.limit)
		s.sems[skillID] = sem
	}
	return sem
}
