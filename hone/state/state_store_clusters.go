package state

import (
	"fmt"
	"time"

	"github.com/hone-ai/hone/hone/structs"
)

// UpsertClusters inserts or updates a batch of clusters in one transaction.
// Any error aborts the whole batch.
func (s *StateStore) UpsertClusters(clusters []*structs.Cluster) error {
	if len(clusters) == 0 {
		return nil
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()
	now := time.Now().UnixNano()

	for _, cluster := range clusters {
		existingRaw, err := txn.First(TableClusters, indexID, cluster.ID)
		if err != nil {
			return fmt.Errorf("cluster lookup failed: %v", err)
		}

		cluster = cluster.Copy()
		if existingRaw != nil {
			existing := existingRaw.(*structs.Cluster)
			cluster.CreateIndex = existing.CreateIndex
			cluster.CreateTime = existing.CreateTime
		} else {
			cluster.CreateIndex = index
			cluster.CreateTime = now
		}
		cluster.ModifyIndex = index
		cluster.ModifyTime = now

		if err := txn.Insert(TableClusters, cluster); err != nil {
			return fmt.Errorf("cluster insert failed: %v", err)
		}
	}

	if err := indexEntryTxn(txn, TableClusters, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// ClusterByID returns the cluster with the given ID, or nil when it does not
// exist.
func (s *StateStore) ClusterByID(id string) (*structs.Cluster, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	existing, err := txn.First(TableClusters, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("cluster lookup failed: %v", err)
	}
	if existing == nil {
		return nil, nil
	}
	return existing.(*structs.Cluster).Copy(), nil
}

// ClustersBySkill returns every cluster of a skill, ordered by ID.
func (s *StateStore) ClustersBySkill(skillID string) ([]*structs.Cluster, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableClusters, indexSkill, skillID)
	if err != nil {
		return nil, fmt.Errorf("cluster lookup failed: %v", err)
	}

	var out []*structs.Cluster
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Cluster).Copy())
	}
	return out, nil
}

// IncrementClusterSteps adds one to a cluster's routing step counter and
// returns the new value. The increment is its own serialized transaction, so
// concurrent routing decisions never lose counts.
func (s *StateStore) IncrementClusterSteps(clusterID string) (uint64, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()

	existing, err := txn.First(TableClusters, indexID, clusterID)
	if err != nil {
		return 0, fmt.Errorf("cluster lookup failed: %v", err)
	}
	if existing == nil {
		return 0, fmt.Errorf("cluster %q: %w", clusterID, structs.ErrNotFound)
	}

	cluster := existing.(*structs.Cluster).Copy()
	cluster.TotalSteps++
	cluster.ModifyIndex = index
	cluster.ModifyTime = time.Now().UnixNano()

	if err := txn.Insert(TableClusters, cluster); err != nil {
		return 0, fmt.Errorf("cluster insert failed: %v", err)
	}
	if err := indexEntryTxn(txn, TableClusters, index); err != nil {
		return 0, err
	}

	txn.Commit()
	return cluster.TotalSteps, nil
}
