package state

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hone-ai/hone/ci"
	"github.com/hone-ai/hone/hone/mock"
	"github.com/hone-ai/hone/hone/structs"
)

func TestStateStore_SkillLockAcquire(t *testing.T) {
	ci.Parallel(t)

	store := TestStateStore(t)
	skill := mock.Skill()
	must.NoError(t, store.UpsertSkill(skill))

	now := time.Now()
	ttl := 5 * time.Minute

	held, token, err := store.SkillLockAcquire(skill.ID, structs.LockPurposeReflect, now, ttl)
	must.NoError(t, err)
	must.Positive(t, token)
	must.Eq(t, token, held.ReflectLockToken)
	must.True(t, held.ReflectLockAcquiredAt.Equal(now))

	// A live holder blocks re-acquisition for the same purpose.
	_, _, err = store.SkillLockAcquire(skill.ID, structs.LockPurposeReflect, now.Add(time.Minute), ttl)
	must.ErrorIs(t, err, structs.ErrLockHeld)

	// The other purpose is independent.
	_, otherToken, err := store.SkillLockAcquire(skill.ID, structs.LockPurposeOptimize, now, 10*time.Minute)
	must.NoError(t, err)
	must.Greater(t, token, otherToken)

	// Past the TTL the holder is fenced and acquisition succeeds.
	fenced, newToken, err := store.SkillLockAcquire(skill.ID, structs.LockPurposeReflect, now.Add(ttl), ttl)
	must.NoError(t, err)
	must.Greater(t, otherToken, newToken)
	must.Eq(t, newToken, fenced.ReflectLockToken)

	_, _, err = store.SkillLockAcquire("missing", structs.LockPurposeReflect, now, ttl)
	must.ErrorIs(t, err, structs.ErrNotFound)

	_, _, err = store.SkillLockAcquire(skill.ID, structs.LockPurpose("bogus"), now, ttl)
	must.Error(t, err)
}

func TestStateStore_SkillLockRelease(t *testing.T) {
	ci.Parallel(t)

	store := TestStateStore(t)
	skill := mock.Skill()
	must.NoError(t, store.UpsertSkill(skill))

	now := time.Now()
	_, token, err := store.SkillLockAcquire(skill.ID, structs.LockPurposeOptimize, now, 10*time.Minute)
	must.NoError(t, err)

	// Release applies the completion mutation in the same transaction.
	must.NoError(t, store.SkillLockRelease(skill.ID, structs.LockPurposeOptimize, token,
		func(s *structs.Skill) {
			s.LastClusteringAt = now
			s.LastClusteringToken = token
		}))

	out, err := store.SkillByID(skill.ID)
	must.NoError(t, err)
	must.Zero(t, out.OptimizeLockToken)
	must.True(t, out.OptimizeLockAcquiredAt.IsZero())
	must.True(t, out.LastClusteringAt.Equal(now))
	must.Eq(t, token, out.LastClusteringToken)

	// A second release with the spent token is stale.
	err = store.SkillLockRelease(skill.ID, structs.LockPurposeOptimize, token, nil)
	must.ErrorIs(t, err, structs.ErrLockStale)

	// Tokens are required.
	err = store.SkillLockRelease(skill.ID, structs.LockPurposeOptimize, 0, nil)
	must.Error(t, err)
}

func TestStateStore_SkillLockRelease_Fenced(t *testing.T) {
	ci.Parallel(t)

	store := TestStateStore(t)
	skill := mock.Skill()
	must.NoError(t, store.UpsertSkill(skill))

	now := time.Now()
	ttl := 5 * time.Minute

	_, stale, err := store.SkillLockAcquire(skill.ID, structs.LockPurposeReflect, now, ttl)
	must.NoError(t, err)

	// A second holder fences the first at TTL expiry.
	_, fresh, err := store.SkillLockAcquire(skill.ID, structs.LockPurposeReflect, now.Add(ttl+time.Second), ttl)
	must.NoError(t, err)

	// The stale holder's release must not clear the fresh holder's lock or
	// apply its mutation.
	err = store.SkillLockRelease(skill.ID, structs.LockPurposeReflect, stale,
		func(s *structs.Skill) {
			s.EvaluationsRegeneratedAt = now
		})
	must.ErrorIs(t, err, structs.ErrLockStale)

	out, err := store.SkillByID(skill.ID)
	must.NoError(t, err)
	must.Eq(t, fresh, out.ReflectLockToken)
	must.True(t, out.EvaluationsRegeneratedAt.IsZero())
}
