package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/hone-ai/hone/hone/structs"
)

type testFn func() (bool, error)
type errorFn func(error)

// WaitForResult polls test every 10ms until it reports success or the retry
// budget runs out, at which point the last error goes to the error callback.
func WaitForResult(test testFn, error errorFn) {
	retries := 1000

	for retries > 0 {
		time.Sleep(10 * time.Millisecond)
		retries--

		success, err := test()
		if success {
			return
		}

		if retries == 0 {
			error(err)
		}
	}
}

// RunLister is the slice of storage the evaluation-run waiter consumes.
type RunLister interface {
	EvaluationRunsForLog(logID string) ([]*structs.EvaluationRun, error)
}

// WaitForEvaluationRuns blocks until the log has at least n evaluation runs
// recorded and returns them. Evaluation is asynchronous, so tests that make
// a request must wait here before asserting on rewards or statistics.
func WaitForEvaluationRuns(t *testing.T, store RunLister, logID string, n int) []*structs.EvaluationRun {
	t.Helper()

	var out []*structs.EvaluationRun
	WaitForResult(func() (bool, error) {
		runs, err := store.EvaluationRunsForLog(logID)
		if err != nil {
			return false, err
		}
		if len(runs) < n {
			return false, fmt.Errorf("want %d evaluation runs, have %d", n, len(runs))
		}
		out = runs
		return true, nil
	}, func(err error) {
		t.Fatalf("failed waiting for evaluation runs: %v", err)
	})
	return out
}
