package state

import (
	"fmt"
	"time"

	"github.com/hone-ai/hone/hone/structs"
)

// AppendEvaluationRun records the outcome of one evaluation pass. Runs are
// append-only; a duplicate ID is an error.
func (s *StateStore) AppendEvaluationRun(run *structs.EvaluationRun) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()

	existing, err := txn.First(TableEvaluationRuns, indexID, run.ID)
	if err != nil {
		return fmt.Errorf("evaluation run lookup failed: %v", err)
	}
	if existing != nil {
		return fmt.Errorf("evaluation run %q already exists: %w",
			run.ID, structs.ErrConflictingUpdate)
	}

	run = run.Copy()
	run.CreateIndex = index
	run.ModifyIndex = index
	if run.CreateTime == 0 {
		run.CreateTime = time.Now().UnixNano()
	}

	if err := txn.Insert(TableEvaluationRuns, run); err != nil {
		return fmt.Errorf("evaluation run insert failed: %v", err)
	}
	if err := indexEntryTxn(txn, TableEvaluationRuns, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// EvaluationRunsForArm returns every run recorded against an arm, ordered by
// run ID.
func (s *StateStore) EvaluationRunsForArm(armID string) ([]*structs.EvaluationRun, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableEvaluationRuns, indexArm, armID)
	if err != nil {
		return nil, fmt.Errorf("evaluation run lookup failed: %v", err)
	}

	var out []*structs.EvaluationRun
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.EvaluationRun).Copy())
	}
	return out, nil
}

// EvaluationRunsForLog returns the runs recorded against one log. The
// pipeline appends at most one per log, but failed-and-retriggered
// evaluations may leave several.
func (s *StateStore) EvaluationRunsForLog(logID string) ([]*structs.EvaluationRun, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableEvaluationRuns, indexLog, logID)
	if err != nil {
		return nil, fmt.Errorf("evaluation run lookup failed: %v", err)
	}

	var out []*structs.EvaluationRun
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.EvaluationRun).Copy())
	}
	return out, nil
}

// EvaluationRunsForSkill returns every run of a skill, ordered by creation
// time ascending.
func (s *StateStore) EvaluationRunsForSkill(skillID string) ([]*structs.EvaluationRun, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.LowerBound(TableEvaluationRuns, indexCreateTime, &RunCreateTimeQuery{
		SkillID: skillID,
		From:    minLogTime,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluation run lookup failed: %v", err)
	}

	var out []*structs.EvaluationRun
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		run := raw.(*structs.EvaluationRun)
		if run.SkillID != skillID {
			break
		}
		out = append(out, run.Copy())
	}
	return out, nil
}

// DeleteEvaluationRunsBefore prunes a skill's runs created strictly before
// the cutoff, returning how many were removed.
func (s *StateStore) DeleteEvaluationRunsBefore(skillID string, cutoff time.Time) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()

	iter, err := txn.LowerBound(TableEvaluationRuns, indexCreateTime, &RunCreateTimeQuery{
		SkillID: skillID,
		From:    minLogTime,
	})
	if err != nil {
		return 0, fmt.Errorf("evaluation run lookup failed: %v", err)
	}

	var drop []*structs.EvaluationRun
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		run := raw.(*structs.EvaluationRun)
		if run.SkillID != skillID || run.CreateTime >= cutoff.UnixNano() {
			break
		}
		drop = append(drop, run)
	}
	if len(drop) == 0 {
		return 0, nil
	}
	for _, run := range drop {
		if err := txn.Delete(TableEvaluationRuns, run); err != nil {
			return 0, fmt.Errorf("evaluation run delete failed: %v", err)
		}
	}

	if err := indexEntryTxn(txn, TableEvaluationRuns, index); err != nil {
		return 0, err
	}

	txn.Commit()
	return len(drop), nil
}
