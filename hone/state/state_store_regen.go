package state

import (
	"fmt"
	"time"

	"github.com/hone-ai/hone/hone/structs"
)

// ApplyRegeneration installs the output of early regeneration in a single
// transaction: the skill's evaluation set is rewritten, every arm restarts
// from the regenerated seed prompt, all arm statistics are deleted, and
// every cluster's step counter returns to zero. Bundling these writes means
// a crash can never leave rewarded history attached to prompts that no
// longer exist.
//
// The EvaluationsRegeneratedAt completion flag is deliberately not set here;
// it travels with the REFLECT lock release so the flag and the lock hand-off
// stay one compare-and-swap.
func (s *StateStore) ApplyRegeneration(skillID string, evals []*structs.Evaluation, seedPrompt string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()
	now := time.Now().UnixNano()

	existing, err := txn.First(TableSkills, indexID, skillID)
	if err != nil {
		return fmt.Errorf("skill lookup failed: %v", err)
	}
	if existing == nil {
		return fmt.Errorf("skill %q: %w", skillID, structs.ErrNotFound)
	}

	if err := replaceEvaluationsTxn(txn, skillID, evals, index, now); err != nil {
		return err
	}

	armsIter, err := txn.Get(TableArms, indexSkill, skillID)
	if err != nil {
		return fmt.Errorf("arm lookup failed: %v", err)
	}
	var arms []*structs.Arm
	for raw := armsIter.Next(); raw != nil; raw = armsIter.Next() {
		arms = append(arms, raw.(*structs.Arm))
	}
	for _, arm := range arms {
		arm = arm.Copy()
		arm.Params.SystemPrompt = seedPrompt
		arm.Source = structs.ArmSourceSeed
		arm.ModifyIndex = index
		arm.ModifyTime = now
		if err := txn.Insert(TableArms, arm); err != nil {
			return fmt.Errorf("arm insert failed: %v", err)
		}
	}

	if _, err := txn.DeleteAll(TableArmStats, indexSkill, skillID); err != nil {
		return fmt.Errorf("arm stat delete failed: %v", err)
	}

	clustersIter, err := txn.Get(TableClusters, indexSkill, skillID)
	if err != nil {
		return fmt.Errorf("cluster lookup failed: %v", err)
	}
	var clusters []*structs.Cluster
	for raw := clustersIter.Next(); raw != nil; raw = clustersIter.Next() {
		clusters = append(clusters, raw.(*structs.Cluster))
	}
	for _, cluster := range clusters {
		cluster = cluster.Copy()
		cluster.TotalSteps = 0
		cluster.ModifyIndex = index
		cluster.ModifyTime = now
		if err := txn.Insert(TableClusters, cluster); err != nil {
			return fmt.Errorf("cluster insert failed: %v", err)
		}
	}

	for _, table := range []string{
		TableEvaluations, TableArms, TableArmStats, TableClusters,
	} {
		if err := indexEntryTxn(txn, table, index); err != nil {
			return err
		}
	}

	txn.Commit()
	return nil
}
