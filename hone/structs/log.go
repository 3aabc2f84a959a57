package structs

import (
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// Log is the durable record of one routed request: which cluster and arm
// served it, the raw request and response bodies, and the embedding used
// for routing. Logs are the input to partitioning and reflection, so they
// are never mutated after insert.
type Log struct {
	ID        string
	SkillID   string
	ClusterID string
	ArmID     string

	RequestBody  string
	ResponseBody string

	// Embedding is the request embedding used for routing. It is nil when
	// the embedder was unavailable; partitioning and reflection skip such
	// logs.
	Embedding []float64

	// Metadata is the caller context captured with the request.
	Metadata map[string]string

	// StartTime is when the request entered the pipeline. Log queries
	// order by it, and the partitioning watermark compares against it.
	StartTime time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

// Copy returns a deep copy of the log.
func (l *Log) Copy() *Log {
	if l == nil {
		return nil
	}
	nl := new(Log)
	*nl = *l
	if l.Embedding != nil {
		nl.Embedding = make([]float64, len(l.Embedding))
		copy(nl.Embedding, l.Embedding)
	}
	if l.Metadata != nil {
		nl.Metadata = make(map[string]string, len(l.Metadata))
		for k, v := range l.Metadata {
			nl.Metadata[k] = v
		}
	}
	return nl
}

// HasEmbedding reports whether the log carries an embedding and can feed
// partitioning and reflection.
func (l *Log) HasEmbedding() bool {
	return len(l.Embedding) > 0
}

// Validate returns all structural problems with the log.
func (l *Log) Validate() error {
	var mErr multierror.Error
	if l.SkillID == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing skill id"))
	}
	if l.ClusterID == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing cluster id"))
	}
	if l.ArmID == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing arm id"))
	}
	if l.StartTime.IsZero() {
		_ = multierror.Append(&mErr, fmt.Errorf("missing start time"))
	}
	return mErr.ErrorOrNil()
}
