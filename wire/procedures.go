package wire

// ServiceName is the fully-qualified name of the compiler service.
const ServiceName = "oopjit.v1.JITService"

// Procedure paths of the compiler service.
const (
	InitializeThreadContextProcedure = "/" + ServiceName + "/InitializeThreadContext"
	CleanupThreadContextProcedure    = "/" + ServiceName + "/CleanupThreadContext"
	InitializeScriptContextProcedure = "/" + ServiceName + "/InitializeScriptContext"
	CloseScriptContextProcedure      = "/" + ServiceName + "/CloseScriptContext"
	CleanupScriptContextProcedure    = "/" + ServiceName + "/CleanupScriptContext"
	RemoteCodeGenProcedure           = "/" + ServiceName + "/RemoteCodeGen"
	UpdatePropertyRecordMapProcedure = "/" + ServiceName + "/UpdatePropertyRecordMap"
	SetWellKnownHostTypeIDProcedure  = "/" + ServiceName + "/SetWellKnownHostTypeId"
	IsNativeAddrProcedure            = "/" + ServiceName + "/IsNativeAddr"
	FreeAllocationProcedure          = "/" + ServiceName + "/FreeAllocation"
	ShutdownProcedure                = "/" + ServiceName + "/Shutdown"
)
