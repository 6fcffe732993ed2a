// Package bridge invokes the loaded engine for one compile request.
//
// Invoke validates that the engine advertises the requested format, encodes
// the options to CBOR and calls typst_bridge_compile through the handle.
// The returned buffer is copied into Go memory and released to the engine
// before Invoke returns, so no engine-owned memory escapes.
//
// Status codes map to results as follows:
//
//	0  artifact bytes
//	1  compile_failed with decoded diagnostics
//	2  invalid_input with decoded diagnostics
//	*  native_fault
//
// A native fault, a recovered panic, an undecodable payload or an oversize
// buffer invalidates the handle under FaultInvalidate. FaultIsolate keeps
// the handle when the engine advertises isolated faults.
//
// Timeouts are advisory. The shared-library backend cannot interrupt a
// running call, so Invoke returns a timeout error and the call completes in
// the background. The WASM backend is interrupted by wazero.
//
// Every call is logged with a correlation id.
package bridge
