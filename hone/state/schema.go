package state

import (
	"fmt"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hone-ai/hone/hone/state/indexer"
	"github.com/hone-ai/hone/hone/structs"
)

const (
	TableSkills         = "skills"
	TableClusters       = "clusters"
	TableArms           = "arms"
	TableArmStats       = "arm_stats"
	TableEvaluations    = "evaluations"
	TableLogs           = "logs"
	TableEvaluationRuns = "evaluation_runs"

	tableIndex = "index"
)

const (
	indexID            = "id"
	indexSkill         = "skill"
	indexCluster       = "cluster"
	indexArm           = "arm"
	indexLog           = "log"
	indexAgentName     = "agent_name"
	indexClusterName   = "cluster_name"
	indexStartTime     = "start_time"
	indexEmbeddedStart = "embedded_start"
	indexCreateTime    = "create_time"
)

// stateStoreSchema returns the memdb schema for all runtime tables.
func stateStoreSchema() *memdb.DBSchema {
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	for _, schema := range []*memdb.TableSchema{
		indexTableSchema(),
		skillTableSchema(),
		clusterTableSchema(),
		armTableSchema(),
		armStatTableSchema(),
		evaluationTableSchema(),
		logTableSchema(),
		evaluationRunTableSchema(),
	} {
		db.Tables[schema.Name] = schema
	}
	return db
}

// indexTableSchema is used for tracking the most recent index achieved for
// each table.
func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field:     "Key",
					Lowercase: true,
				},
			},
		},
	}
}

func skillTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableSkills,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},

			// Request routing looks skills up by their caller-facing
			// identity, which is unique per agent.
			indexAgentName: {
				Name:         indexAgentName,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "AgentID"},
						&memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
		},
	}
}

func clusterTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableClusters,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexSkill: {
				Name:         indexSkill,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "SkillID",
				},
			},
		},
	}
}

func armTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableArms,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexSkill: {
				Name:         indexSkill,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "SkillID",
				},
			},
			indexCluster: {
				Name:         indexCluster,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "ClusterID",
				},
			},

			// Arm names are unique within their cluster.
			indexClusterName: {
				Name:         indexClusterName,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "ClusterID"},
						&memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
		},
	}
}

func armStatTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableArmStats,
		Indexes: map[string]*memdb.IndexSchema{
			// One stat row per arm; the arm id is the primary key.
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ArmID",
				},
			},
			indexSkill: {
				Name:         indexSkill,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "SkillID",
				},
			},
			indexCluster: {
				Name:         indexCluster,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "ClusterID",
				},
			},
		},
	}
}

func evaluationTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableEvaluations,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexSkill: {
				Name:         indexSkill,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "SkillID",
				},
			},
		},
	}
}

func logTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableLogs,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexSkill: {
				Name:         indexSkill,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "SkillID",
				},
			},

			// Chronological scans per skill. Log queries are ordered by
			// start time, and the partitioning watermark lower-bounds on
			// it.
			indexStartTime: {
				Name:         indexStartTime,
				AllowMissing: false,
				Unique:       false,
				Indexer: indexer.SingleIndexer{
					ReadIndex:  indexFromLogStartTimeQuery,
					WriteIndex: indexLogStartTime,
				},
			},

			// Same ordering restricted to embedding-bearing logs, which is
			// what partitioning and reflection consume.
			indexEmbeddedStart: {
				Name:         indexEmbeddedStart,
				AllowMissing: false,
				Unique:       false,
				Indexer: indexer.SingleIndexer{
					ReadIndex:  indexFromLogEmbeddedQuery,
					WriteIndex: indexLogEmbeddedStart,
				},
			},
		},
	}
}

func evaluationRunTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableEvaluationRuns,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexSkill: {
				Name:         indexSkill,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "SkillID",
				},
			},
			indexArm: {
				Name:         indexArm,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "ArmID",
				},
			},
			indexLog: {
				Name:         indexLog,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "LogID",
				},
			},

			// Retention pruning scans runs per skill in creation order.
			indexCreateTime: {
				Name:         indexCreateTime,
				AllowMissing: false,
				Unique:       false,
				Indexer: indexer.SingleIndexer{
					ReadIndex:  indexFromRunCreateTimeQuery,
					WriteIndex: indexRunCreateTime,
				},
			},
		},
	}
}

// LogStartTimeQuery looks up logs of one skill starting at a lower time
// bound.
type LogStartTimeQuery struct {
	SkillID string
	From    time.Time
}

func indexFromLogStartTimeQuery(arg any) ([]byte, error) {
	q, ok := arg.(*LogStartTimeQuery)
	if !ok {
		return nil, fmt.Errorf("unexpected type %T for LogStartTimeQuery index", arg)
	}

	var b indexer.IndexBuilder
	b.String(q.SkillID)
	b.Time(q.From)
	return b.Bytes(), nil
}

func indexLogStartTime(obj any) (bool, []byte, error) {
	log, ok := obj.(*structs.Log)
	if !ok {
		return false, nil, fmt.Errorf("unexpected type %T for log index", obj)
	}

	var b indexer.IndexBuilder
	b.String(log.SkillID)
	b.Time(log.StartTime)
	return true, b.Bytes(), nil
}

// LogEmbeddedQuery looks up embedding-bearing logs of one skill starting at
// a lower time bound. Logs without embeddings sort outside the queried
// range.
type LogEmbeddedQuery struct {
	SkillID string
	From    time.Time
}

func indexFromLogEmbeddedQuery(arg any) ([]byte, error) {
	q, ok := arg.(*LogEmbeddedQuery)
	if !ok {
		return nil, fmt.Errorf("unexpected type %T for LogEmbeddedQuery index", arg)
	}

	var b indexer.IndexBuilder
	b.String(q.SkillID)
	b.Bool(true)
	b.Time(q.From)
	return b.Bytes(), nil
}

func indexLogEmbeddedStart(obj any) (bool, []byte, error) {
	log, ok := obj.(*structs.Log)
	if !ok {
		return false, nil, fmt.Errorf("unexpected type %T for log index", obj)
	}

	var b indexer.IndexBuilder
	b.String(log.SkillID)
	b.Bool(log.HasEmbedding())
	b.Time(log.StartTime)
	return true, b.Bytes(), nil
}

// RunCreateTimeQuery looks up evaluation runs of one skill starting at a
// lower creation-time bound.
type RunCreateTimeQuery struct {
	SkillID string
	From    time.Time
}

func indexFromRunCreateTimeQuery(arg any) ([]byte, error) {
	q, ok := arg.(*RunCreateTimeQuery)
	if !ok {
		return nil, fmt.Errorf("unexpected type %T for RunCreateTimeQuery index", arg)
	}

	var b indexer.IndexBuilder
	b.String(q.SkillID)
	b.Time(q.From)
	return b.Bytes(), nil
}

func indexRunCreateTime(obj any) (bool, []byte, error) {
	run, ok := obj.(*structs.EvaluationRun)
	if !ok {
		return false, nil, fmt.Errorf("unexpected type %T for evaluation run index", obj)
	}

	var b indexer.IndexBuilder
	b.String(run.SkillID)
	b.Time(time.Unix(0, run.CreateTime))
	return true, b.Bytes(), nil
}
