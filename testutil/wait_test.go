package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWait_WaitForResult(t *testing.T) {

	var calls int64
	WaitForResult(func() (bool, error) {
		if atomic.AddInt64(&calls, 1) < 3 {
			return false, fmt.Errorf("not yet")
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})

	require.EqualValues(t, 3, atomic.LoadInt64(&calls))
}
