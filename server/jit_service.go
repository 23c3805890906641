package server

import (
	"context"
	"fmt"
	"net/http"

	"connectrpc.com/connect"

	"github.com/chazu/oopjit/jitctx"
	"github.com/chazu/oopjit/jiterr"
	"github.com/chazu/oopjit/numalloc"
	"github.com/chazu/oopjit/wire"
)

// JITService implements the compiler's Connect procedures.
type JITService struct {
	server *JITServer
}

// NewJITService creates a JITService over s.
func NewJITService(s *JITServer) *JITService {
	return &JITService{server: s}
}

// NewJITServiceHandler builds an HTTP handler serving every procedure of
// svc. It returns the path prefix to mount the handler on.
func NewJITServiceHandler(svc *JITService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(wire.InitializeThreadContextProcedure, connect.NewUnaryHandler(wire.InitializeThreadContextProcedure, svc.InitializeThreadContext, opts...))
	mux.Handle(wire.CleanupThreadContextProcedure, connect.NewUnaryHandler(wire.CleanupThreadContextProcedure, svc.CleanupThreadContext, opts...))
	mux.Handle(wire.InitializeScriptContextProcedure, connect.NewUnaryHandler(wire.InitializeScriptContextProcedure, svc.InitializeScriptContext, opts...))
	mux.Handle(wire.CloseScriptContextProcedure, connect.NewUnaryHandler(wire.CloseScriptContextProcedure, svc.CloseScriptContext, opts...))
	mux.Handle(wire.CleanupScriptContextProcedure, connect.NewUnaryHandler(wire.CleanupScriptContextProcedure, svc.CleanupScriptContext, opts...))
	mux.Handle(wire.RemoteCodeGenProcedure, connect.NewUnaryHandler(wire.RemoteCodeGenProcedure, svc.RemoteCodeGen, opts...))
	mux.Handle(wire.UpdatePropertyRecordMapProcedure, connect.NewUnaryHandler(wire.UpdatePropertyRecordMapProcedure, svc.UpdatePropertyRecordMap, opts...))
	mux.Handle(wire.SetWellKnownHostTypeIDProcedure, connect.NewUnaryHandler(wire.SetWellKnownHostTypeIDProcedure, svc.SetWellKnownHostTypeID, opts...))
	mux.Handle(wire.IsNativeAddrProcedure, connect.NewUnaryHandler(wire.IsNativeAddrProcedure, svc.IsNativeAddr, opts...))
	mux.Handle(wire.FreeAllocationProcedure, connect.NewUnaryHandler(wire.FreeAllocationProcedure, svc.FreeAllocation, opts...))
	mux.Handle(wire.ShutdownProcedure, connect.NewUnaryHandler(wire.ShutdownProcedure, svc.Shutdown, opts...))
	return "/" + wire.ServiceName + "/", mux
}

// checkServing rejects requests once the server is shutting down. An
// empty or unknown handle is not a transport error; it is answered with
// ResultInvalidConnection.
func (s *JITService) checkServing() error {
	if s.server.ShuttingDown() {
		return connect.NewError(connect.CodeUnavailable, fmt.Errorf("server is shutting down"))
	}
	return nil
}

// thread looks up an open thread context.
func (s *JITService) thread(handle string) (*jitctx.ThreadContext, bool) {
	tc, ok := s.server.threads.Get(handle)
	if !ok || tc.Closed() {
		return nil, false
	}
	return tc, true
}

func ack(code wire.ResultCode) *connect.Response[wire.Ack] {
	return connect.NewResponse(&wire.Ack{Result: code})
}

// InitializeThreadContext opens a connection for a host thread.
func (s *JITService) InitializeThreadContext(
	ctx context.Context,
	req *connect.Request[wire.InitializeThreadContextRequest],
) (*connect.Response[wire.InitializeThreadContextResponse], error) {
	if s.server.ShuttingDown() {
		return nil, connect.NewError(connect.CodeUnavailable, fmt.Errorf("server is shutting down"))
	}
	tc, err := jitctx.NewThreadContext(s.server.threadOptions(req.Msg))
	if err != nil {
		log.Warningf("initialize thread context: %s", err)
		return connect.NewResponse(&wire.InitializeThreadContextResponse{Result: jiterr.CodeOf(err)}), nil
	}
	handle := s.server.threads.Add(tc)
	log.Infof("thread context %s opened (in-process=%t)", handle, tc.InProcess())
	return connect.NewResponse(&wire.InitializeThreadContextResponse{
		ThreadHandle:          handle,
		PreReservedRegionAddr: tc.PreReservedRegionAddr(),
	}), nil
}

// CleanupThreadContext waits for the thread's compilations to finish and
// releases it together with its script contexts.
func (s *JITService) CleanupThreadContext(
	ctx context.Context,
	req *connect.Request[wire.HandleRequest],
) (*connect.Response[wire.Ack], error) {
	handle := req.Msg.Handle
	tc, ok := s.server.threads.Remove(handle)
	if !ok {
		return ack(jiterr.ResultInvalidConnection), nil
	}
	for id, sc := range s.server.scripts.Entries() {
		if sc.Thread() == tc {
			s.server.scripts.Remove(id)
			sc.Cleanup()
		}
	}
	tc.Cleanup()
	log.Infof("thread context %s cleaned up", handle)
	return ack(jiterr.ResultOK), nil
}

// InitializeScriptContext opens a script context on a thread.
func (s *JITService) InitializeScriptContext(
	ctx context.Context,
	req *connect.Request[wire.InitializeScriptContextRequest],
) (*connect.Response[wire.InitializeScriptContextResponse], error) {
	if err := s.checkServing(); err != nil {
		return nil, err
	}
	tc, ok := s.thread(req.Msg.ThreadHandle)
	if !ok {
		return connect.NewResponse(&wire.InitializeScriptContextResponse{Result: jiterr.ResultInvalidConnection}), nil
	}
	sc := jitctx.NewScriptContext(tc, numalloc.NumberLayout{
		VTable: req.Msg.NumberVTable,
		Type:   req.Msg.NumberType,
	})
	handle := s.server.scripts.Add(sc)
	log.Debugf("script context %s opened on thread %s", handle, req.Msg.ThreadHandle)
	return connect.NewResponse(&wire.InitializeScriptContextResponse{ScriptHandle: handle}), nil
}

// CloseScriptContext stops a script context from accepting compilations.
func (s *JITService) CloseScriptContext(
	ctx context.Context,
	req *connect.Request[wire.HandleRequest],
) (*connect.Response[wire.Ack], error) {
	if err := s.checkServing(); err != nil {
		return nil, err
	}
	sc, ok := s.server.scripts.Get(req.Msg.Handle)
	if !ok {
		return ack(jiterr.ResultInvalidConnection), nil
	}
	sc.Close()
	return ack(jiterr.ResultOK), nil
}

// CleanupScriptContext waits for the script's compilations and drops it.
func (s *JITService) CleanupScriptContext(
	ctx context.Context,
	req *connect.Request[wire.HandleRequest],
) (*connect.Response[wire.Ack], error) {
	sc, ok := s.server.scripts.Remove(req.Msg.Handle)
	if !ok {
		return ack(jiterr.ResultInvalidConnection), nil
	}
	sc.Cleanup()
	return ack(jiterr.ResultOK), nil
}

// RemoteCodeGen compiles one work item.
func (s *JITService) RemoteCodeGen(
	ctx context.Context,
	req *connect.Request[wire.CodeGenRequest],
) (*connect.Response[wire.CodeGenResponse], error) {
	if err := s.checkServing(); err != nil {
		return nil, err
	}
	return connect.NewResponse(s.server.compile(ctx, req.Msg)), nil
}

// UpdatePropertyRecordMap adds and reclaims property records.
func (s *JITService) UpdatePropertyRecordMap(
	ctx context.Context,
	req *connect.Request[wire.UpdatePropertyRecordMapRequest],
) (*connect.Response[wire.Ack], error) {
	if err := s.checkServing(); err != nil {
		return nil, err
	}
	tc, ok := s.thread(req.Msg.ThreadHandle)
	if !ok {
		return ack(jiterr.ResultInvalidConnection), nil
	}
	added := make([]jitctx.PropertyRecord, len(req.Msg.Added))
	for i, p := range req.Msg.Added {
		added[i] = jitctx.PropertyRecord{ID: p.ID, Name: p.Name}
	}
	tc.UpdatePropertyRecords(added, req.Msg.Reclaimed)
	return ack(jiterr.ResultOK), nil
}

// SetWellKnownHostTypeID records the host's well-known type id.
func (s *JITService) SetWellKnownHostTypeID(
	ctx context.Context,
	req *connect.Request[wire.SetWellKnownHostTypeIDRequest],
) (*connect.Response[wire.Ack], error) {
	if err := s.checkServing(); err != nil {
		return nil, err
	}
	tc, ok := s.thread(req.Msg.ThreadHandle)
	if !ok {
		return ack(jiterr.ResultInvalidConnection), nil
	}
	tc.SetWellKnownHostTypeID(req.Msg.TypeID)
	return ack(jiterr.ResultOK), nil
}

// IsNativeAddr reports whether addr lies in code emitted on the thread.
func (s *JITService) IsNativeAddr(
	ctx context.Context,
	req *connect.Request[wire.AddrRequest],
) (*connect.Response[wire.IsNativeAddrResponse], error) {
	if err := s.checkServing(); err != nil {
		return nil, err
	}
	tc, ok := s.thread(req.Msg.ThreadHandle)
	if !ok {
		return connect.NewResponse(&wire.IsNativeAddrResponse{Result: jiterr.ResultInvalidConnection}), nil
	}
	return connect.NewResponse(&wire.IsNativeAddrResponse{IsNative: tc.Code().IsNativeAddr(req.Msg.Addr)}), nil
}

// FreeAllocation frees code previously emitted on the thread.
func (s *JITService) FreeAllocation(
	ctx context.Context,
	req *connect.Request[wire.AddrRequest],
) (*connect.Response[wire.Ack], error) {
	if err := s.checkServing(); err != nil {
		return nil, err
	}
	tc, ok := s.thread(req.Msg.ThreadHandle)
	if !ok {
		return ack(jiterr.ResultInvalidConnection), nil
	}
	if err := tc.Code().Free(req.Msg.Addr); err != nil {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}
	return ack(jiterr.ResultOK), nil
}

// Shutdown stops the server once the response has been sent.
func (s *JITService) Shutdown(
	ctx context.Context,
	req *connect.Request[wire.ShutdownRequest],
) (*connect.Response[wire.Ack], error) {
	log.Notice("shutdown requested")
	s.server.Shutdown()
	return ack(jiterr.ResultOK), nil
}
