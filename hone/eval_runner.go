package hone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hone-ai/hone/bandit"
	"github.com/hone-ai/hone/helper/uuid"
	"github.com/hone-ai/hone/hone/structs"
)

// statUpdateBaseBackoff is the first delay between conflicting arm stat
// update attempts; it doubles per attempt.
const statUpdateBaseBackoff = 25 * time.Millisecond

// runEvalWorker dequeues evaluation tasks until shutdown. Task failures are
// nacked back to the broker, which redelivers up to the delivery limit.
func (s *Server) runEvalWorker(id int) {
	defer s.workerWg.Done()
	logger := s.logger.Named("eval_worker").With("worker", id)

	for {
		if s.IsShutdown() {
			return
		}
		task, token, err := s.evalBroker.Dequeue(s.config.EvalDequeueTimeout)
		if err != nil {
			logger.Error("dequeue failed", "error", err)
			continue
		}
		if task == nil {
			continue
		}

		if err := s.runEvaluation(task); err != nil {
			logger.Error("evaluation failed",
				"log_id", task.LogID, "skill_id", task.SkillID, "error", err)
			if nerr := s.evalBroker.Nack(task.LogID, token); nerr != nil {
				logger.Warn("nack failed", "log_id", task.LogID, "error", nerr)
			}
			continue
		}
		if aerr := s.evalBroker.Ack(task.LogID, token); aerr != nil {
			logger.Warn("ack failed", "log_id", task.LogID, "error", aerr)
		}
	}
}

// runEvaluation scores one log against the skill's evaluation set, folds the
// composed reward into the arm's statistics, and appends the run row. A
// missing log or skill means the entity was deleted after enqueue; the task
// completes without effect.
func (s *Server) runEvaluation(task *EvalTask) error {
	defer metrics.MeasureSince([]string{"hone", "eval", "run"}, time.Now())

	log, err := s.store.LogByID(task.LogID)
	if err != nil {
		return fmt.Errorf("log lookup failed: %v", err)
	}
	if log == nil {
		return nil
	}
	skill, err := s.store.SkillByID(log.SkillID)
	if err != nil {
		return fmt.Errorf("skill lookup failed: %v", err)
	}
	if skill == nil {
		return nil
	}
	evals, err := s.store.EvaluationsBySkill(skill.ID)
	if err != nil {
		return fmt.Errorf("evaluation lookup failed: %v", err)
	}

	results := s.scoreLog(skill, evals, log)
	reward, ok := bandit.ComposeReward(evals, results)

	// The stat update happens before the run row is appended so the row's
	// StatsUpdated flag is truthful.
	updated := false
	if ok && skill.Optimize {
		if err := s.applyReward(log, reward); err != nil {
			s.logger.Warn("dropping reward after conflicting updates",
				"arm_id", log.ArmID, "log_id", log.ID, "error", err)
		} else {
			updated = true
		}
	}

	run := &structs.EvaluationRun{
		ID:           uuid.Generate(),
		SkillID:      skill.ID,
		LogID:        log.ID,
		ClusterID:    log.ClusterID,
		ArmID:        log.ArmID,
		Results:      results,
		Reward:       reward,
		StatsUpdated: updated,
	}
	if err := s.store.AppendEvaluationRun(run); err != nil {
		return fmt.Errorf("evaluation run append failed: %v", err)
	}

	s.emit(structs.TypeEvaluationRunCreated, skill.ID, &structs.EvaluationRunPayload{Run: run})

	// A stat update is the only transition that can complete a cluster's
	// warm-up, so this is where ongoing reflection is armed.
	if updated && skill.EarlyRegenerationDone() {
		s.maybeScheduleReflection(skill)
	}
	return nil
}

// scoreLog runs every evaluation against the log in parallel under the
// per-skill concurrency cap. Each slot always produces a result; judge
// failures surface as fallback results, never as missing ones.
func (s *Server) scoreLog(skill *structs.Skill, evals []*structs.Evaluation, log *structs.Log) []*structs.EvaluationResult {
	if len(evals) == 0 {
		return nil
	}

	sem := s.skillSems.get(skill.ID)
	results := make([]*structs.EvaluationResult, len(evals))

	var wg sync.WaitGroup
	for i, eval := range evals {
		wg.Add(1)
		go func(i int, eval *structs.Evaluation) {
			defer wg.Done()
			if err := sem.Acquire(context.Background(), 1); err != nil {
				return
			}
			defer sem.Release(1)
			results[i] = s.runOneEvaluation(eval, log)
		}(i, eval)
	}
	wg.Wait()
	return results
}

func (s *Server) runOneEvaluation(eval *structs.Evaluation, log *structs.Log) *structs.EvaluationResult {
	switch eval.Method {
	case structs.EvalMethodResponseSchema:
		return scoreSchema(eval, log)
	case structs.EvalMethodLLMJudge:
		return s.scoreJudge(eval, log)
	default:
		return &structs.EvaluationResult{
			Method:    eval.Method,
			Score:     0.5,
			Reasoning: fmt.Sprintf("unknown evaluation method %q", eval.Method),
			Fallback:  true,
			ErrorType: "unknown_method",
		}
	}
}

// scoreSchema checks the response body parses as JSON and carries the
// required top-level fields. The score is the fraction of required fields
// present; a body that is not JSON scores zero.
func scoreSchema(eval *structs.Evaluation, log *structs.Log) *structs.EvaluationResult {
	result := &structs.EvaluationResult{Method: eval.Method}

	var body map[string]json.RawMessage
	if err := json.Unmarshal([]byte(log.ResponseBody), &body); err != nil {
		result.Reasoning = "response body is not valid JSON"
		return result
	}

	required := eval.SchemaParams.RequiredFields
	var missing []string
	for _, field := range required {
		if _, ok := body[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		result.Score = 1
		result.Reasoning = "all required fields present"
		return result
	}
	result.Score = float64(len(required)-len(missing)) / float64(len(required))
	result.Reasoning = fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", "))
	return result
}

// scoreJudge asks the judge model to grade the log, retrying recoverable
// failures on an exponential schedule. Exhausted retries produce the neutral
// fallback score so one broken judge cannot stall learning.
func (s *Server) scoreJudge(eval *structs.Evaluation, log *structs.Log) *structs.EvaluationResult {
	defer metrics.MeasureSince([]string{"hone", "eval", "judge"}, time.Now())

	req := &structs.JudgeRequest{
		SystemPrompt: judgeSystemPrompt(eval),
		UserPrompt:   judgeUserPrompt(log),
	}

	var resp *structs.JudgeResponse
	err := retry.Do(
		func() error {
			if err := s.judgeSem.Acquire(context.Background(), 1); err != nil {
				return err
			}
			defer s.judgeSem.Release(1)

			ctx, cancel := context.WithTimeout(context.Background(), s.config.JudgeTimeout)
			defer cancel()

			r, jerr := s.judge.Judge(ctx, req)
			if jerr != nil {
				return jerr
			}
			if r == nil {
				return structs.NewJudgeError(structs.JudgeErrMalformed, "judge returned no verdict")
			}
			if r.Score < 0 || r.Score > 1 {
				return structs.NewJudgeError(structs.JudgeErrMalformed,
					"judge score %v outside [0, 1]", r.Score)
			}
			resp = r
			return nil
		},
		retry.Attempts(uint(s.config.JudgeRetryAttempts)),
		retry.Delay(s.config.JudgeRetryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(structs.IsRecoverable),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		metrics.IncrCounter([]string{"hone", "eval", "judge_fallback"}, 1)

		errorType := "unknown"
		var jerr *structs.JudgeError
		if errors.As(err, &jerr) {
			errorType = jerr.ErrorType()
		}
		return &structs.EvaluationResult{
			Method:    eval.Method,
			Score:     0.5,
			Reasoning: err.Error(),
			Fallback:  true,
			ErrorType: errorType,
		}
	}

	return &structs.EvaluationResult{
		Method:    eval.Method,
		Score:     resp.Score,
		Reasoning: resp.Reasoning,
	}
}

// judgeSystemPrompt builds the grading rubric from the evaluation's criteria
// and guidance.
func judgeSystemPrompt(eval *structs.Evaluation) string {
	var b strings.Builder
	b.WriteString("You grade an assistant's response against the criteria below. ")
	b.WriteString(`Reply with JSON: {"score": <0..1>, "reasoning": "<why>"}.`)
	b.WriteString("\n\nCriteria: ")
	b.WriteString(eval.JudgeParams.Criteria)
	if eval.JudgeParams.Guidance != "" {
		b.WriteString("\nGuidance: ")
		b.WriteString(eval.JudgeParams.Guidance)
	}
	return b.String()
}

// judgeUserPrompt packages the material under judgment.
func judgeUserPrompt(log *structs.Log) string {
	var b strings.Builder
	b.WriteString("Request:\n")
	b.WriteString(log.RequestBody)
	b.WriteString("\n\nResponse:\n")
	b.WriteString(log.ResponseBody)
	return b.String()
}

// applyReward folds the reward into the arm's statistics with bounded
// compare-and-swap retries. The error on exhaustion means this one reward is
// dropped; the run row still records it.
func (s *Server) applyReward(log *structs.Log, reward float64) error {
	var lastErr error
	backoff := statUpdateBaseBackoff

	for attempt := 0; attempt < s.config.StatUpdateRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}

		stat, err := s.store.ArmStatByArmID(log.ArmID)
		if err != nil {
			return fmt.Errorf("arm stat lookup failed: %v", err)
		}
		var casIndex uint64
		if stat == nil {
			stat = &structs.ArmStat{
				ArmID:     log.ArmID,
				SkillID:   log.SkillID,
				ClusterID: log.ClusterID,
			}
		} else {
			casIndex = stat.ModifyIndex
		}
		stat.Observe(reward)

		err = s.store.UpdateArmStat(stat, casIndex)
		if err == nil {
			metrics.IncrCounter([]string{"hone", "eval", "reward_applied"}, 1)
			return nil
		}
		if !errors.Is(err, structs.ErrConflictingUpdate) {
			return fmt.Errorf("arm stat update failed: %v", err)
		}
		lastErr = err
	}

	metrics.IncrCounter([]string{"hone", "eval", "reward_dropped"}, 1)
	return lastErr
}
