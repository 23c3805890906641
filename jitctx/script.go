package jitctx

import (
	"github.com/chazu/oopjit/numalloc"
)

// ScriptContext is the state for one host script context, bound to the
// ThreadContext of the thread that created it.
type ScriptContext struct {
	jitGate

	thread *ThreadContext
	layout numalloc.NumberLayout
}

// NewScriptContext creates a script context on tc. layout holds the
// host's vtable and type addresses for boxed numbers.
func NewScriptContext(tc *ThreadContext, layout numalloc.NumberLayout) *ScriptContext {
	return &ScriptContext{thread: tc, layout: layout}
}

// Thread returns the owning thread context.
func (sc *ScriptContext) Thread() *ThreadContext { return sc.thread }

// NumberLayout returns the host addresses boxed numbers are built with.
func (sc *ScriptContext) NumberLayout() numalloc.NumberLayout { return sc.layout }

// Close rejects further compilations without waiting for running ones.
func (sc *ScriptContext) Close() { sc.closed.Store(true) }

// Cleanup closes the context and waits for in-flight compilations.
func (sc *ScriptContext) Cleanup() {
	sc.Close()
	sc.wait()
}
