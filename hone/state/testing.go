package state

import (
	testing "github.com/mitchellh/go-testing-interface"

	"github.com/hone-ai/hone/helper/testlog"
)

// TestStateStore returns a state store wired for tests.
func TestStateStore(t testing.T) *StateStore {
	store, err := NewStateStore(testlog.HCLogger(t))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if store == nil {
		t.Fatalf("missing state store")
	}
	return store
}
