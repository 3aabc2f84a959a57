package hone

import (
	"time"

	testing "github.com/mitchellh/go-testing-interface"

	"github.com/hone-ai/hone/helper/testlog"
	"github.com/hone-ai/hone/hone/mock"
	"github.com/hone-ai/hone/hone/state"
	"github.com/hone-ai/hone/hone/stream"
)

// TestPorts bundles the scripted collaborators a test server runs against,
// so tests can script failures and inspect recorded calls.
type TestPorts struct {
	Upstream *mock.Upstream
	Judge    *mock.Judge
	Embedder *mock.Embedder
	Meta     *mock.MetaPrompter
	Sink     *mock.Sink
}

// TestConfigForServer provides a fully functional Config to pass to
// NewServer. It can be changed beforehand to induce different behavior such
// as specific errors.
func TestConfigForServer(t testing.T, ports *TestPorts) *Config {
	t.Helper()

	config := DefaultConfig()
	config.Logger = testlog.HCLogger(t)
	config.Store = state.TestStateStore(t)
	config.Upstream = ports.Upstream
	config.Judge = ports.Judge
	config.Embedder = ports.Embedder
	config.MetaPrompter = ports.Meta
	config.Sinks = []stream.Sink{ports.Sink}

	// Deterministic sampling and fast turnarounds. Tests that need the
	// production numbers override them in the callback.
	config.Seed = 42
	config.EvalWorkers = 2
	config.EvalDequeueTimeout = 10 * time.Millisecond
	config.EvalNackTimeout = time.Second
	config.JudgeTimeout = time.Second
	config.JudgeRetryBaseDelay = time.Millisecond
	config.ReflectTimeout = 5 * time.Second
	config.PartitionTimeout = 5 * time.Second

	return config
}

// TestServer returns a started server over an in-memory store and scripted
// ports, plus a cleanup function that shuts it down.
func TestServer(t testing.T, cb func(*Config)) (*Server, *TestPorts, func()) {
	ports := &TestPorts{
		Upstream: &mock.Upstream{},
		Judge:    &mock.Judge{},
		Embedder: &mock.Embedder{},
		Meta:     &mock.MetaPrompter{},
		Sink:     &mock.Sink{},
	}

	config := TestConfigForServer(t, ports)
	if cb != nil {
		cb(config)
	}

	server, err := NewServer(config)
	if err != nil {
		t.Fatalf("failed to start test server: %v", err)
	}
	return server, ports, func() {
		if err := server.Shutdown(); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
	}
}
