package state

import (
	"fmt"

	"github.com/hone-ai/hone/hone/structs"
)

// ArmStatByArmID returns the statistics row for an arm, or nil when the arm
// has never been observed. Absence is the reset state, so callers treat nil
// as n = 0.
func (s *StateStore) ArmStatByArmID(armID string) (*structs.ArmStat, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	existing, err := txn.First(TableArmStats, indexID, armID)
	if err != nil {
		return nil, fmt.Errorf("arm stat lookup failed: %v", err)
	}
	if existing == nil {
		return nil, nil
	}
	return existing.(*structs.ArmStat).Copy(), nil
}

// ArmStatsByCluster returns the statistics rows for a cluster's arms, keyed
// by arm ID. Arms without observations have no entry.
func (s *StateStore) ArmStatsByCluster(clusterID string) (map[string]*structs.ArmStat, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableArmStats, indexCluster, clusterID)
	if err != nil {
		return nil, fmt.Errorf("arm stat lookup failed: %v", err)
	}

	out := make(map[string]*structs.ArmStat)
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		stat := raw.(*structs.ArmStat).Copy()
		out[stat.ArmID] = stat
	}
	return out, nil
}

// ArmStatsBySkill returns the statistics rows for all of a skill's arms,
// keyed by arm ID.
func (s *StateStore) ArmStatsBySkill(skillID string) (map[string]*structs.ArmStat, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableArmStats, indexSkill, skillID)
	if err != nil {
		return nil, fmt.Errorf("arm stat lookup failed: %v", err)
	}

	out := make(map[string]*structs.ArmStat)
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		stat := raw.(*structs.ArmStat).Copy()
		out[stat.ArmID] = stat
	}
	return out, nil
}

// UpdateArmStat writes an arm's statistics row using compare-and-swap on the
// row's modify index. casIndex must be the ModifyIndex the caller read, or
// zero when the caller believes no row exists yet. A mismatch returns
// structs.ErrConflictingUpdate and the caller re-reads and retries, which
// serializes concurrent Welford folds without holding locks across the
// read-modify-write.
func (s *StateStore) UpdateArmStat(stat *structs.ArmStat, casIndex uint64) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()

	existingRaw, err := txn.First(TableArmStats, indexID, stat.ArmID)
	if err != nil {
		return fmt.Errorf("arm stat lookup failed: %v", err)
	}

	stat = stat.Copy()
	if existingRaw != nil {
		existing := existingRaw.(*structs.ArmStat)
		if existing.ModifyIndex != casIndex {
			return structs.ErrConflictingUpdate
		}
		stat.CreateIndex = existing.CreateIndex
	} else {
		if casIndex != 0 {
			return structs.ErrConflictingUpdate
		}
		stat.CreateIndex = index
	}
	stat.ModifyIndex = index

	if err := txn.Insert(TableArmStats, stat); err != nil {
		return fmt.Errorf("arm stat insert failed: %v", err)
	}
	if err := indexEntryTxn(txn, TableArmStats, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// DeleteArmStats removes the statistics rows for the given arms, resetting
// them to the never-observed state. Missing rows are already reset and are
// not an error.
func (s *StateStore) DeleteArmStats(armIDs []string) error {
	if len(armIDs) == 0 {
		return nil
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()

	for _, armID := range armIDs {
		if _, err := txn.DeleteAll(TableArmStats, indexID, armID); err != nil {
			return fmt.Errorf("arm stat delete failed: %v", err)
		}
	}
	if err := indexEntryTxn(txn, TableArmStats, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}
