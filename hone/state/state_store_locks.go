package state

import (
	"fmt"
	"time"

	"github.com/hone-ai/hone/hone/structs"
)

// SkillLockAcquire attempts to take the named coordination lock on a skill.
// The write index of the acquiring transaction becomes the fencing token, so
// tokens are strictly monotonic across all acquisitions.
//
// Acquisition fails with structs.ErrLockHeld while another holder's TTL has
// not expired. An expired holder is silently fenced: its token stops being
// current, so its release becomes a no-op.
//
// The returned skill is the post-acquisition copy, which callers re-check
// against their completion flag before doing any work.
func (s *StateStore) SkillLockAcquire(skillID string, purpose structs.LockPurpose, now time.Time, ttl time.Duration) (*structs.Skill, uint64, error) {
	if err := purpose.Validate(); err != nil {
		return nil, 0, err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()

	existing, err := txn.First(TableSkills, indexID, skillID)
	if err != nil {
		return nil, 0, fmt.Errorf("skill lookup failed: %v", err)
	}
	if existing == nil {
		return nil, 0, fmt.Errorf("skill %q: %w", skillID, structs.ErrNotFound)
	}

	skill := existing.(*structs.Skill).Copy()
	if skill.LockToken(purpose) != 0 && !skill.LockExpired(purpose, now, ttl) {
		return nil, 0, structs.ErrLockHeld
	}

	skill.SetLock(purpose, now, index)
	skill.ModifyIndex = index
	skill.ModifyTime = now.UnixNano()

	if err := txn.Insert(TableSkills, skill); err != nil {
		return nil, 0, fmt.Errorf("skill insert failed: %v", err)
	}
	if err := indexEntryTxn(txn, TableSkills, index); err != nil {
		return nil, 0, err
	}

	txn.Commit()
	return skill.Copy(), index, nil
}

// SkillLockRelease clears the named lock, but only when the presented
// fencing token is still the current holder. Completion fields are applied
// through mutate inside the same transaction, so a successful release and
// its bookkeeping are atomic.
//
// A release that lost the token race returns structs.ErrLockStale and
// changes nothing: the lock now belongs to a newer holder whose own release
// will carry the authoritative state.
func (s *StateStore) SkillLockRelease(skillID string, purpose structs.LockPurpose, token uint64, mutate func(*structs.Skill)) error {
	if err := purpose.Validate(); err != nil {
		return err
	}
	if token == 0 {
		return fmt.Errorf("lock release requires a token")
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()

	existing, err := txn.First(TableSkills, indexID, skillID)
	if err != nil {
		return fmt.Errorf("skill lookup failed: %v", err)
	}
	if existing == nil {
		return fmt.Errorf("skill %q: %w", skillID, structs.ErrNotFound)
	}

	skill := existing.(*structs.Skill).Copy()
	if skill.LockToken(purpose) != token {
		return structs.ErrLockStale
	}

	skill.ClearLock(purpose)
	if mutate != nil {
		mutate(skill)
	}
	skill.ModifyIndex = index
	skill.ModifyTime = time.Now().UnixNano()

	if err := txn.Insert(TableSkills, skill); err != nil {
		return fmt.Errorf("skill insert failed: %v", err)
	}
	if err := indexEntryTxn(txn, TableSkills, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}
