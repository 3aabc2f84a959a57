package state

import (
	"fmt"
	"time"

	"github.com/hone-ai/hone/hone/structs"
)

// UpsertSkill inserts or updates a skill. Create metadata is carried over
// from the existing row on update so that identity fields stay stable.
func (s *StateStore) UpsertSkill(skill *structs.Skill) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()

	existingRaw, err := txn.First(TableSkills, indexID, skill.ID)
	if err != nil {
		return fmt.Errorf("skill lookup failed: %v", err)
	}

	skill = skill.Copy()
	now := time.Now().UnixNano()
	if existingRaw != nil {
		existing := existingRaw.(*structs.Skill)
		skill.CreateIndex = existing.CreateIndex
		skill.CreateTime = existing.CreateTime
	} else {
		skill.CreateIndex = index
		skill.CreateTime = now
	}
	skill.ModifyIndex = index
	skill.ModifyTime = now

	if err := txn.Insert(TableSkills, skill); err != nil {
		return fmt.Errorf("skill insert failed: %v", err)
	}
	if err := indexEntryTxn(txn, TableSkills, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// SkillByID returns the skill with the given ID, or nil when it does not
// exist.
func (s *StateStore) SkillByID(id string) (*structs.Skill, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	existing, err := txn.First(TableSkills, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("skill lookup failed: %v", err)
	}
	if existing == nil {
		return nil, nil
	}
	return existing.(*structs.Skill).Copy(), nil
}

// SkillByAgentAndName returns the skill registered under the caller-facing
// (agent, name) identity, or nil when it does not exist.
func (s *StateStore) SkillByAgentAndName(agentID, name string) (*structs.Skill, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	existing, err := txn.First(TableSkills, indexAgentName, agentID, name)
	if err != nil {
		return nil, fmt.Errorf("skill lookup failed: %v", err)
	}
	if existing == nil {
		return nil, nil
	}
	return existing.(*structs.Skill).Copy(), nil
}

// Skills returns every skill, ordered by ID.
func (s *StateStore) Skills() ([]*structs.Skill, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableSkills, indexID)
	if err != nil {
		return nil, fmt.Errorf("skill lookup failed: %v", err)
	}

	var out []*structs.Skill
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Skill).Copy())
	}
	return out, nil
}

// DeleteSkill removes a skill and everything it owns: clusters, arms, arm
// stats, evaluations, logs, and evaluation runs.
func (s *StateStore) DeleteSkill(id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()

	existing, err := txn.First(TableSkills, indexID, id)
	if err != nil {
		return fmt.Errorf("skill lookup failed: %v", err)
	}
	if existing == nil {
		return fmt.Errorf("skill %q: %w", id, structs.ErrNotFound)
	}

	// Owned entities all carry a skill index, so cascade through each table
	// before removing the skill row itself.
	for _, table := range []string{
		TableClusters, TableArms, TableArmStats,
		TableEvaluations, TableLogs, TableEvaluationRuns,
	} {
		if _, err := txn.DeleteAll(table, indexSkill, id); err != nil {
			return fmt.Errorf("%s cascade delete failed: %v", table, err)
		}
		if err := indexEntryTxn(txn, table, index); err != nil {
			return err
		}
	}

	if err := txn.Delete(TableSkills, existing); err != nil {
		return fmt.Errorf("skill delete failed: %v", err)
	}
	if err := indexEntryTxn(txn, TableSkills, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}
