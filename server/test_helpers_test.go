package server

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"

	"connectrpc.com/connect"

	"github.com/chazu/oopjit/client"
	"github.com/chazu/oopjit/config"
	"github.com/chazu/oopjit/hostmem"
	"github.com/chazu/oopjit/wire"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
//
// One server over one host memory is shared by tests that only open their
// own contexts. Tests that change limits or shut the server down create
// an isolated environment with newTestEnv.
// ---------------------------------------------------------------------------

const (
	testRuntimeBase      = 0x7ff000000000
	testLocalRuntimeBase = 0x140000000
	testNumberVTable     = 0x7ff0000a0000
	testNumberType       = 0x7ff0000b0000
)

var testShared *testEnv

// TestMain starts the shared server for all server tests.
func TestMain(m *testing.M) {
	testShared = startEnv(testConfig())
	code := m.Run()
	testShared.close()
	os.Exit(code)
}

// testEnv bundles a server, its host memory and a client talking to it.
type testEnv struct {
	Host   *hostmem.Space
	Server *JITServer
	HTTP   *httptest.Server
	Client *client.Client
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Runtime.RuntimeBase = testLocalRuntimeBase
	cfg.Alloc.CodeRegionPages = 2
	return cfg
}

func startEnv(cfg *config.Config, opts ...ServerOption) *testEnv {
	host := hostmem.NewSpace(hostmem.Options{PageSize: uint64(cfg.Alloc.PageSize)})
	s := New(cfg, append([]ServerOption{WithHostMemory(host)}, opts...)...)
	ts := httptest.NewServer(s.Handler())
	return &testEnv{
		Host:   host,
		Server: s,
		HTTP:   ts,
		Client: client.New(ts.Client(), ts.URL),
	}
}

func (e *testEnv) close() {
	e.HTTP.Close()
	e.Server.Close()
}

// newTestEnv creates an isolated environment torn down with the test.
func newTestEnv(t *testing.T, cfg *config.Config, opts ...ServerOption) *testEnv {
	t.Helper()
	e := startEnv(cfg, opts...)
	t.Cleanup(e.close)
	return e
}

// connectReq wraps a message in a connect.Request.
func connectReq[T any](msg *T) *connect.Request[T] {
	return connect.NewRequest(msg)
}

// bg returns a background context.
func bg() context.Context { return context.Background() }

// openContexts opens a thread and a script context on e.
func (e *testEnv) openContexts(t *testing.T, inProcess bool) (thread, script string) {
	t.Helper()
	resp, err := e.Client.InitializeThreadContext(bg(), testRuntimeBase, 0, inProcess)
	if err != nil {
		t.Fatalf("InitializeThreadContext: %v", err)
	}
	script, err = e.Client.InitializeScriptContext(bg(), resp.ThreadHandle, testNumberVTable, testNumberType)
	if err != nil {
		t.Fatalf("InitializeScriptContext: %v", err)
	}
	t.Cleanup(func() { _ = e.Client.CleanupThreadContext(bg(), resp.ThreadHandle) })
	return resp.ThreadHandle, script
}

// linkedPair is a work item boxing 3.14 and 2.71 and laying out two
// records, the first pointing at the second.
func linkedPair() wire.WorkItem {
	return wire.WorkItem{
		Name:      "linkedPair",
		Constants: []float64{3.14, 2.71},
		Records: []wire.Record{
			{Fields: []wire.Field{{Kind: wire.FieldConstant, Index: 0}, {Kind: wire.FieldRecord, Index: 1}}},
			{Fields: []wire.Field{{Kind: wire.FieldConstant, Index: 1}, {Kind: wire.FieldNil}}},
		},
		Helpers: []uint64{testLocalRuntimeBase + 0x1000},
	}
}
