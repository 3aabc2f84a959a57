package state

import (
	"fmt"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hone-ai/hone/hone/structs"
)

// UpsertEvaluations inserts or updates a batch of evaluations in one
// transaction. Any error aborts the whole batch.
func (s *StateStore) UpsertEvaluations(evals []*structs.Evaluation) error {
	if len(evals) == 0 {
		return nil
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()
	now := time.Now().UnixNano()

	for _, eval := range evals {
		if err := upsertEvaluationTxn(txn, eval, index, now); err != nil {
			return err
		}
	}

	if err := indexEntryTxn(txn, TableEvaluations, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// upsertEvaluationTxn writes one evaluation inside an open transaction. The
// caller updates the index table.
func upsertEvaluationTxn(txn *memdb.Txn, eval *structs.Evaluation, index uint64, now int64) error {
	existingRaw, err := txn.First(TableEvaluations, indexID, eval.ID)
	if err != nil {
		return fmt.Errorf("evaluation lookup failed: %v", err)
	}

	eval = eval.Copy()
	if existingRaw != nil {
		existing := existingRaw.(*structs.Evaluation)
		eval.CreateIndex = existing.CreateIndex
		eval.CreateTime = existing.CreateTime
	} else {
		eval.CreateIndex = index
		eval.CreateTime = now
	}
	eval.ModifyIndex = index
	eval.ModifyTime = now

	if err := txn.Insert(TableEvaluations, eval); err != nil {
		return fmt.Errorf("evaluation insert failed: %v", err)
	}
	return nil
}

// EvaluationByID returns the evaluation with the given ID, or nil when it
// does not exist.
func (s *StateStore) EvaluationByID(id string) (*structs.Evaluation, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	existing, err := txn.First(TableEvaluations, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("evaluation lookup failed: %v", err)
	}
	if existing == nil {
		return nil, nil
	}
	return existing.(*structs.Evaluation).Copy(), nil
}

// EvaluationsBySkill returns every evaluation of a skill, ordered by ID.
func (s *StateStore) EvaluationsBySkill(skillID string) ([]*structs.Evaluation, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableEvaluations, indexSkill, skillID)
	if err != nil {
		return nil, fmt.Errorf("evaluation lookup failed: %v", err)
	}

	var out []*structs.Evaluation
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Evaluation).Copy())
	}
	return out, nil
}

// ReplaceEvaluations atomically rewrites a skill's evaluation set: rows
// absent from the new set are deleted, the rest are upserted in place. IDs
// the caller preserved keep their create metadata, so the rewrite is
// invisible to references held by older evaluation runs.
func (s *StateStore) ReplaceEvaluations(skillID string, evals []*structs.Evaluation) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()
	now := time.Now().UnixNano()

	if err := replaceEvaluationsTxn(txn, skillID, evals, index, now); err != nil {
		return err
	}
	if err := indexEntryTxn(txn, TableEvaluations, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// replaceEvaluationsTxn implements ReplaceEvaluations inside an open
// transaction so regeneration can bundle it with its other writes.
func replaceEvaluationsTxn(txn *memdb.Txn, skillID string, evals []*structs.Evaluation, index uint64, now int64) error {
	keep := make(map[string]struct{}, len(evals))
	for _, eval := range evals {
		if eval.SkillID != skillID {
			return fmt.Errorf("evaluation %q belongs to skill %q, not %q",
				eval.ID, eval.SkillID, skillID)
		}
		keep[eval.ID] = struct{}{}
	}

	iter, err := txn.Get(TableEvaluations, indexSkill, skillID)
	if err != nil {
		return fmt.Errorf("evaluation lookup failed: %v", err)
	}
	var drop []*structs.Evaluation
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		eval := raw.(*structs.Evaluation)
		if _, ok := keep[eval.ID]; !ok {
			drop = append(drop, eval)
		}
	}
	for _, eval := range drop {
		if err := txn.Delete(TableEvaluations, eval); err != nil {
			return fmt.Errorf("evaluation delete failed: %v", err)
		}
	}

	for _, eval := range evals {
		if err := upsertEvaluationTxn(txn, eval, index, now); err != nil {
			return err
		}
	}
	return nil
}
