package state

import (
	"fmt"
	"time"

	"github.com/hone-ai/hone/hone/structs"
)

// UpsertArms inserts or updates a batch of arms in one transaction. Any
// error aborts the whole batch.
func (s *StateStore) UpsertArms(arms []*structs.Arm) error {
	if len(arms) == 0 {
		return nil
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()
	now := time.Now().UnixNano()

	for _, arm := range arms {
		existingRaw, err := txn.First(TableArms, indexID, arm.ID)
		if err != nil {
			return fmt.Errorf("arm lookup failed: %v", err)
		}

		arm = arm.Copy()
		if existingRaw != nil {
			existing := existingRaw.(*structs.Arm)
			arm.CreateIndex = existing.CreateIndex
			arm.CreateTime = existing.CreateTime
		} else {
			arm.CreateIndex = index
			arm.CreateTime = now
		}
		arm.ModifyIndex = index
		arm.ModifyTime = now

		if err := txn.Insert(TableArms, arm); err != nil {
			return fmt.Errorf("arm insert failed: %v", err)
		}
	}

	if err := indexEntryTxn(txn, TableArms, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// ArmByID returns the arm with the given ID, or nil when it does not exist.
func (s *StateStore) ArmByID(id string) (*structs.Arm, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	existing, err := txn.First(TableArms, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("arm lookup failed: %v", err)
	}
	if existing == nil {
		return nil, nil
	}
	return existing.(*structs.Arm).Copy(), nil
}

// ArmsByCluster returns every arm of a cluster, ordered by ID.
func (s *StateStore) ArmsByCluster(clusterID string) ([]*structs.Arm, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableArms, indexCluster, clusterID)
	if err != nil {
		return nil, fmt.Errorf("arm lookup failed: %v", err)
	}

	var out []*structs.Arm
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Arm).Copy())
	}
	return out, nil
}

// ArmsBySkill returns every arm of a skill across all clusters, ordered by
// ID.
func (s *StateStore) ArmsBySkill(skillID string) ([]*structs.Arm, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableArms, indexSkill, skillID)
	if err != nil {
		return nil, fmt.Errorf("arm lookup failed: %v", err)
	}

	var out []*structs.Arm
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Arm).Copy())
	}
	return out, nil
}

// RewriteArmPrompt applies a reflection result: the arm's system prompt is
// overwritten and its statistics row is deleted in the same transaction, so
// a rewritten arm can never be observed with its pre-rewrite posterior.
func (s *StateStore) RewriteArmPrompt(armID, systemPrompt string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()

	existing, err := txn.First(TableArms, indexID, armID)
	if err != nil {
		return fmt.Errorf("arm lookup failed: %v", err)
	}
	if existing == nil {
		return fmt.Errorf("arm %q: %w", armID, structs.ErrNotFound)
	}

	arm := existing.(*structs.Arm).Copy()
	arm.Params.SystemPrompt = systemPrompt
	arm.Source = structs.ArmSourceReflection
	arm.ModifyIndex = index
	arm.ModifyTime = time.Now().UnixNano()

	if err := txn.Insert(TableArms, arm); err != nil {
		return fmt.Errorf("arm insert failed: %v", err)
	}
	if _, err := txn.DeleteAll(TableArmStats, indexID, armID); err != nil {
		return fmt.Errorf("arm stat delete failed: %v", err)
	}

	if err := indexEntryTxn(txn, TableArms, index); err != nil {
		return err
	}
	if err := indexEntryTxn(txn, TableArmStats, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}
