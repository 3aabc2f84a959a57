package hone

import (
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// runGC periodically prunes logs and evaluation runs older than the
// configured retention. Arm statistics are untouched: learning state
// outlives the raw material it was computed from.
func (s *Server) runGC() {
	defer s.workerWg.Done()
	logger := s.logger.Named("gc")

	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			if err := s.gcPass(logger); err != nil {
				logger.Error("retention pass failed", "error", err)
			}
		}
	}
}

func (s *Server) gcPass(logger hclog.Logger) error {
	defer metrics.MeasureSince([]string{"hone", "gc", "pass"}, time.Now())
	cutoff := time.Now().UTC().Add(-s.config.LogRetention)

	skills, err := s.store.Skills()
	if err != nil {
		return err
	}

	var logs, runs int
	for _, skill := range skills {
		n, err := s.store.DeleteLogsBefore(skill.ID, cutoff)
		if err != nil {
			logger.Error("log pruning failed", "skill_id", skill.ID, "error", err)
			continue
		}
		logs += n

		n, err = s.store.DeleteEvaluationRunsBefore(skill.ID, cutoff)
		if err != nil {
			logger.Error("evaluation run pruning failed", "skill_id", skill.ID, "error", err)
			continue
		}
		runs += n
	}

	if logs > 0 || runs > 0 {
		logger.Debug("pruned expired objects",
			"logs", logs, "evaluation_runs", runs, "cutoff", cutoff)
		metrics.IncrCounter([]string{"hone", "gc", "logs_pruned"}, float32(logs))
		metrics.IncrCounter([]string{"hone", "gc", "runs_pruned"}, float32(runs))
	}
	return nil
}
