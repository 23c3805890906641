// Package client is the host side of the compiler service. It wraps the
// Connect procedures and copies compiler output into host memory.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/oopjit/jiterr"
	"github.com/chazu/oopjit/wire"
)

var log = commonlog.GetLogger("oopjit.client")

// Client calls a compiler server.
type Client struct {
	initThread    *connect.Client[wire.InitializeThreadContextRequest, wire.InitializeThreadContextResponse]
	cleanupThread *connect.Client[wire.HandleRequest, wire.Ack]
	initScript    *connect.Client[wire.InitializeScriptContextRequest, wire.InitializeScriptContextResponse]
	closeScript   *connect.Client[wire.HandleRequest, wire.Ack]
	cleanupScript *connect.Client[wire.HandleRequest, wire.Ack]
	codeGen       *connect.Client[wire.CodeGenRequest, wire.CodeGenResponse]
	properties    *connect.Client[wire.UpdatePropertyRecordMapRequest, wire.Ack]
	wellKnown     *connect.Client[wire.SetWellKnownHostTypeIDRequest, wire.Ack]
	isNative      *connect.Client[wire.AddrRequest, wire.IsNativeAddrResponse]
	free          *connect.Client[wire.AddrRequest, wire.Ack]
	shutdown      *connect.Client[wire.ShutdownRequest, wire.Ack]
}

// New creates a Client for the server at baseURL.
func New(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(wire.Codec{})}, opts...)
	return &Client{
		initThread:    connect.NewClient[wire.InitializeThreadContextRequest, wire.InitializeThreadContextResponse](httpClient, baseURL+wire.InitializeThreadContextProcedure, opts...),
		cleanupThread: connect.NewClient[wire.HandleRequest, wire.Ack](httpClient, baseURL+wire.CleanupThreadContextProcedure, opts...),
		initScript:    connect.NewClient[wire.InitializeScriptContextRequest, wire.InitializeScriptContextResponse](httpClient, baseURL+wire.InitializeScriptContextProcedure, opts...),
		closeScript:   connect.NewClient[wire.HandleRequest, wire.Ack](httpClient, baseURL+wire.CloseScriptContextProcedure, opts...),
		cleanupScript: connect.NewClient[wire.HandleRequest, wire.Ack](httpClient, baseURL+wire.CleanupScriptContextProcedure, opts...),
		codeGen:       connect.NewClient[wire.CodeGenRequest, wire.CodeGenResponse](httpClient, baseURL+wire.RemoteCodeGenProcedure, opts...),
		properties:    connect.NewClient[wire.UpdatePropertyRecordMapRequest, wire.Ack](httpClient, baseURL+wire.UpdatePropertyRecordMapProcedure, opts...),
		wellKnown:     connect.NewClient[wire.SetWellKnownHostTypeIDRequest, wire.Ack](httpClient, baseURL+wire.SetWellKnownHostTypeIDProcedure, opts...),
		isNative:      connect.NewClient[wire.AddrRequest, wire.IsNativeAddrResponse](httpClient, baseURL+wire.IsNativeAddrProcedure, opts...),
		free:          connect.NewClient[wire.AddrRequest, wire.Ack](httpClient, baseURL+wire.FreeAllocationProcedure, opts...),
		shutdown:      connect.NewClient[wire.ShutdownRequest, wire.Ack](httpClient, baseURL+wire.ShutdownProcedure, opts...),
	}
}

// ResultError is a non-OK result code returned by the server.
type ResultError struct {
	Op      string
	Code    wire.ResultCode
	Message string
}

func (e *ResultError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
}

func check(op string, code wire.ResultCode, msg string) error {
	if code == jiterr.ResultOK {
		return nil
	}
	return &ResultError{Op: op, Code: code, Message: msg}
}

// InitializeThreadContext opens a connection. runtimeBase and crtBase are
// the host's load addresses of the runtime modules.
func (c *Client) InitializeThreadContext(ctx context.Context, runtimeBase, crtBase uint64, inProcess bool) (*wire.InitializeThreadContextResponse, error) {
	resp, err := c.initThread.CallUnary(ctx, connect.NewRequest(&wire.InitializeThreadContextRequest{
		RuntimeBase: runtimeBase,
		CRTBase:     crtBase,
		InProcess:   inProcess,
	}))
	if err != nil {
		return nil, err
	}
	if err := check("initialize thread context", resp.Msg.Result, ""); err != nil {
		return nil, err
	}
	log.Debugf("thread %s, pre-reserved region %#x", resp.Msg.ThreadHandle, resp.Msg.PreReservedRegionAddr)
	return resp.Msg, nil
}

// CleanupThreadContext releases a connection.
func (c *Client) CleanupThreadContext(ctx context.Context, thread string) error {
	return callAck(ctx, c.cleanupThread, "cleanup thread context", &wire.HandleRequest{Handle: thread})
}

// InitializeScriptContext opens a script context on thread. Boxed numbers
// created for it carry numberVTable and numberType.
func (c *Client) InitializeScriptContext(ctx context.Context, thread string, numberVTable, numberType uint64) (string, error) {
	resp, err := c.initScript.CallUnary(ctx, connect.NewRequest(&wire.InitializeScriptContextRequest{
		ThreadHandle: thread,
		NumberVTable: numberVTable,
		NumberType:   numberType,
	}))
	if err != nil {
		return "", err
	}
	if err := check("initialize script context", resp.Msg.Result, ""); err != nil {
		return "", err
	}
	return resp.Msg.ScriptHandle, nil
}

// CloseScriptContext stops further compilations on a script context.
func (c *Client) CloseScriptContext(ctx context.Context, script string) error {
	return callAck(ctx, c.closeScript, "close script context", &wire.HandleRequest{Handle: script})
}

// CleanupScriptContext releases a script context.
func (c *Client) CleanupScriptContext(ctx context.Context, script string) error {
	return callAck(ctx, c.cleanupScript, "cleanup script context", &wire.HandleRequest{Handle: script})
}

// CodeGen compiles a work item. A failed compilation is returned as a
// *ResultError along with the response.
func (c *Client) CodeGen(ctx context.Context, req *wire.CodeGenRequest) (*wire.CodeGenResponse, error) {
	resp, err := c.codeGen.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, check("codegen "+req.WorkItem.Name, resp.Msg.Result, resp.Msg.Message)
}

// UpdatePropertyRecordMap sends property record changes.
func (c *Client) UpdatePropertyRecordMap(ctx context.Context, req *wire.UpdatePropertyRecordMapRequest) error {
	return callAck(ctx, c.properties, "update property records", req)
}

// SetWellKnownHostTypeID records the host's well-known type id.
func (c *Client) SetWellKnownHostTypeID(ctx context.Context, thread string, id uint32) error {
	return callAck(ctx, c.wellKnown, "set well-known type id", &wire.SetWellKnownHostTypeIDRequest{ThreadHandle: thread, TypeID: id})
}

// IsNativeAddr asks whether addr is inside emitted code.
func (c *Client) IsNativeAddr(ctx context.Context, thread string, addr uint64) (bool, error) {
	resp, err := c.isNative.CallUnary(ctx, connect.NewRequest(&wire.AddrRequest{ThreadHandle: thread, Addr: addr}))
	if err != nil {
		return false, err
	}
	if err := check("is native addr", resp.Msg.Result, ""); err != nil {
		return false, err
	}
	return resp.Msg.IsNative, nil
}

// FreeAllocation frees emitted code.
func (c *Client) FreeAllocation(ctx context.Context, thread string, addr uint64) error {
	return callAck(ctx, c.free, "free allocation", &wire.AddrRequest{ThreadHandle: thread, Addr: addr})
}

// Shutdown stops the server.
func (c *Client) Shutdown(ctx context.Context) error {
	return callAck(ctx, c.shutdown, "shutdown", &wire.ShutdownRequest{})
}

func callAck[Req any](ctx context.Context, cl *connect.Client[Req, wire.Ack], op string, req *Req) error {
	resp, err := cl.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return err
	}
	return check(op, resp.Msg.Result, "")
}
