package state

import (
	"fmt"
	"math"
	"time"

	"github.com/hone-ai/hone/hone/structs"
)

// minLogTime is the smallest start time the log indexes can encode. The
// index packs times as Unix nanoseconds, which cannot represent the zero
// time, so unbounded queries clamp to this floor instead.
var minLogTime = time.Unix(0, math.MinInt64)

// logQueryFrom converts a strictly-after watermark into the inclusive lower
// bound the index iterators need. A zero watermark means from the beginning.
func logQueryFrom(after time.Time) time.Time {
	if after.IsZero() {
		return minLogTime
	}
	return after.Add(time.Nanosecond)
}

// InsertLog appends one request log. Logs are immutable once written, so a
// log ID colliding with an existing row is an error rather than an update.
func (s *StateStore) InsertLog(log *structs.Log) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()

	existing, err := txn.First(TableLogs, indexID, log.ID)
	if err != nil {
		return fmt.Errorf("log lookup failed: %v", err)
	}
	if existing != nil {
		return fmt.Errorf("log %q already exists: %w", log.ID, structs.ErrConflictingUpdate)
	}

	log = log.Copy()
	log.CreateIndex = index
	log.ModifyIndex = index

	if err := txn.Insert(TableLogs, log); err != nil {
		return fmt.Errorf("log insert failed: %v", err)
	}
	if err := indexEntryTxn(txn, TableLogs, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// LogByID returns the log with the given ID, or nil when it does not exist.
func (s *StateStore) LogByID(id string) (*structs.Log, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	existing, err := txn.First(TableLogs, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("log lookup failed: %v", err)
	}
	if existing == nil {
		return nil, nil
	}
	return existing.(*structs.Log).Copy(), nil
}

// LogsForSkill returns a skill's logs with a start time strictly after the
// given watermark, ordered by start time ascending. When embeddedOnly is
// set, logs without an embedding are excluded. A limit of zero means no
// limit.
func (s *StateStore) LogsForSkill(skillID string, after time.Time, embeddedOnly bool, limit int) ([]*structs.Log, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	from := logQueryFrom(after)

	var out []*structs.Log
	collect := func(raw interface{}) bool {
		out = append(out, raw.(*structs.Log).Copy())
		return limit > 0 && len(out) >= limit
	}

	if embeddedOnly {
		iter, err := txn.LowerBound(TableLogs, indexEmbeddedStart, &LogEmbeddedQuery{
			SkillID: skillID,
			From:    from,
		})
		if err != nil {
			return nil, fmt.Errorf("log lookup failed: %v", err)
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			log := raw.(*structs.Log)
			// The iterator runs off the end of this skill's embedded range
			// into other skills' rows; everything past the range is done.
			if log.SkillID != skillID || !log.HasEmbedding() {
				break
			}
			if collect(raw) {
				break
			}
		}
		return out, nil
	}

	iter, err := txn.LowerBound(TableLogs, indexStartTime, &LogStartTimeQuery{
		SkillID: skillID,
		From:    from,
	})
	if err != nil {
		return nil, fmt.Errorf("log lookup failed: %v", err)
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if raw.(*structs.Log).SkillID != skillID {
			break
		}
		if collect(raw) {
			break
		}
	}
	return out, nil
}

// CountLogsForSkill counts a skill's logs with a start time strictly after
// the watermark, optionally restricted to embedding-bearing logs. It is the
// query behind the partitioning and early-regeneration triggers, which only
// need the count.
func (s *StateStore) CountLogsForSkill(skillID string, after time.Time, embeddedOnly bool) (int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	from := logQueryFrom(after)

	count := 0
	if embeddedOnly {
		iter, err := txn.LowerBound(TableLogs, indexEmbeddedStart, &LogEmbeddedQuery{
			SkillID: skillID,
			From:    from,
		})
		if err != nil {
			return 0, fmt.Errorf("log lookup failed: %v", err)
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			log := raw.(*structs.Log)
			if log.SkillID != skillID || !log.HasEmbedding() {
				break
			}
			count++
		}
		return count, nil
	}

	iter, err := txn.LowerBound(TableLogs, indexStartTime, &LogStartTimeQuery{
		SkillID: skillID,
		From:    from,
	})
	if err != nil {
		return 0, fmt.Errorf("log lookup failed: %v", err)
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if raw.(*structs.Log).SkillID != skillID {
			break
		}
		count++
	}
	return count, nil
}

// DeleteLogsBefore prunes a skill's logs with a start time strictly before
// the cutoff, returning how many were removed. Retention enforcement is the
// only mutation logs ever see.
func (s *StateStore) DeleteLogsBefore(skillID string, cutoff time.Time) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()

	iter, err := txn.LowerBound(TableLogs, indexStartTime, &LogStartTimeQuery{
		SkillID: skillID,
		From:    minLogTime,
	})
	if err != nil {
		return 0, fmt.Errorf("log lookup failed: %v", err)
	}

	var drop []*structs.Log
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		log := raw.(*structs.Log)
		if log.SkillID != skillID || !log.StartTime.Before(cutoff) {
			break
		}
		drop = append(drop, log)
	}
	if len(drop) == 0 {
		return 0, nil
	}
	for _, log := range drop {
		if err := txn.Delete(TableLogs, log); err != nil {
			return 0, fmt.Errorf("log delete failed: %v", err)
		}
	}

	if err := indexEntryTxn(txn, TableLogs, index); err != nil {
		return 0, err
	}

	txn.Commit()
	return len(drop), nil
}
