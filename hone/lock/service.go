package lock

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hone-ai/hone/hone/structs"
)

const (
	// DefaultReflectTTL is how long a reflection pass may hold its lock
	// before a new acquirer fences it out.
	DefaultReflectTTL = 5 * time.Minute

	// DefaultOptimizeTTL is the same bound for a partitioning pass, sized
	// for the larger log volumes it reads.
	DefaultOptimizeTTL = 10 * time.Minute
)

// Store is the slice of skill state the lock service consumes.
type Store interface {
	SkillByID(id string) (*structs.Skill, error)
	SkillLockAcquire(skillID string, purpose structs.LockPurpose, now time.Time, ttl time.Duration) (*structs.Skill, uint64, error)
	SkillLockRelease(skillID string, purpose structs.LockPurpose, token uint64, mutate func(*structs.Skill)) error
}

// Service hands out the per-skill OPTIMIZE and REFLECT locks. Locks are
// advisory and TTL-fenced: expiry is enforced by acquisition timestamps in
// state rather than by forcibly stopping holders, so every holder must
// verify its fencing token before and after the critical section.
type Service struct {
	logger hclog.Logger
	store  Store

	reflectTTL  time.Duration
	optimizeTTL time.Duration

	// overrunTimer fires when a holder outlives its TTL. Overruns are a
	// telemetry signal, not an enforcement mechanism.
	overrunTimer *TTLTimer
}

// NewService builds a lock service over the given store. Zero TTLs take
// the package defaults.
func NewService(logger hclog.Logger, store Store, reflectTTL, optimizeTTL time.Duration) *Service {
	if reflectTTL <= 0 {
		reflectTTL = DefaultReflectTTL
	}
	if optimizeTTL <= 0 {
		optimizeTTL = DefaultOptimizeTTL
	}
	return &Service{
		logger:       logger.Named("lock"),
		store:        store,
		reflectTTL:   reflectTTL,
		optimizeTTL:  optimizeTTL,
		overrunTimer: NewTTLTimer(),
	}
}

// TTL returns the lease duration enforced for a purpose.
func (s *Service) TTL(purpose structs.LockPurpose) time.Duration {
	if purpose == structs.LockPurposeReflect {
		return s.reflectTTL
	}
	return s.optimizeTTL
}

// TimerNum returns the number of held locks currently under overrun
// tracking.
func (s *Service) TimerNum() int {
	return s.overrunTimer.TimerNum()
}

// Acquire takes the purpose lock on a skill and performs the mandatory
// double-check: the skill is re-read, the fencing token is verified to
// still be current, and the caller's check runs against the fresh copy.
// Failing any of these releases the lock (when still held) and returns
// the cause.
//
// structs.ErrLockHeld passes through untouched so callers can treat
// contention as benign and simply exit.
func (s *Service) Acquire(skillID string, purpose structs.LockPurpose, check func(*structs.Skill) error) (*Handle, error) {
	defer metrics.MeasureSince([]string{"hone", "lock", "acquire"}, time.Now())

	ttl := s.TTL(purpose)
	_, token, err := s.store.SkillLockAcquire(skillID, purpose, time.Now(), ttl)
	if err != nil {
		if errors.Is(err, structs.ErrLockHeld) {
			metrics.IncrCounter([]string{"hone", "lock", "contended"}, 1)
		}
		return nil, err
	}

	h := &Handle{
		SkillID: skillID,
		Purpose: purpose,
		Token:   token,
		service: s,
	}

	fresh, err := s.store.SkillByID(skillID)
	if err != nil {
		h.Release(nil)
		return nil, fmt.Errorf("lock double-check failed: %w", err)
	}
	if fresh == nil {
		h.markReleased()
		return nil, fmt.Errorf("skill %q: %w", skillID, structs.ErrNotFound)
	}
	if fresh.LockToken(purpose) != token {
		// Another acquirer fenced us out between CAS and re-read. The
		// lock is no longer ours to clear.
		h.markReleased()
		return nil, structs.ErrLockStale
	}
	if check != nil {
		if err := check(fresh); err != nil {
			h.Release(nil)
			return nil, err
		}
	}
	h.Skill = fresh

	s.overrunTimer.Create(lockTimerID(skillID, purpose), ttl, func() {
		s.logger.Warn("lock held past its ttl",
			"skill_id", skillID, "purpose", purpose, "ttl", ttl)
		metrics.IncrCounter([]string{"hone", "lock", "overrun"}, 1)
	})

	return h, nil
}

// Handle is one held lock. It is safe to defer Release unconditionally:
// only the first call clears the lock, and releases that lost the token
// race are swallowed.
type Handle struct {
	SkillID string
	Purpose structs.LockPurpose

	// Token is the fencing token issued at acquisition. Writes performed
	// under this handle carry the token so fenced-out holders cannot
	// clobber a successor's state.
	Token uint64

	// Skill is the post-double-check snapshot of the owning skill.
	Skill *structs.Skill

	service  *Service
	released atomic.Bool
}

// Release clears the lock and applies mutate to the skill in the same
// transaction, making completion bookkeeping atomic with the release.
// Repeat calls are no-ops. A release fenced out by a newer holder is
// logged and swallowed: the successor's state is authoritative.
func (h *Handle) Release(mutate func(*structs.Skill)) error {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return nil
	}
	h.service.overrunTimer.StopAndRemove(lockTimerID(h.SkillID, h.Purpose))

	err := h.service.store.SkillLockRelease(h.SkillID, h.Purpose, h.Token, mutate)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, structs.ErrLockStale):
		h.service.logger.Warn("lock was fenced before release; discarding completion state",
			"skill_id", h.SkillID, "purpose", h.Purpose, "token", h.Token)
		return nil
	default:
		return err
	}
}

// Released reports whether the handle has already been released or fenced.
func (h *Handle) Released() bool {
	return h.released.Load()
}

// markReleased disarms the handle without touching state, used when the
// token was observed to belong to someone else.
func (h *Handle) markReleased() {
	if h.released.CompareAndSwap(false, true) {
		h.service.overrunTimer.StopAndRemove(lockTimerID(h.SkillID, h.Purpose))
	}
}

func lockTimerID(skillID string, purpose structs.LockPurpose) string {
	return skillID + "/" + string(purpose)
}
