// Package engine loads the precompiled typesetting engine and exposes its
// native entry points.
//
// An engine binary is either a native shared library (loaded with purego,
// no cgo) or a WebAssembly build (run by wazero). Both speak the same
// contract, ABI version 1:
//
//	uint32_t typst_bridge_abi_version(void);
//	uint32_t typst_bridge_capabilities(void);
//	int32_t  typst_bridge_compile(markup, markup_len, input, input_len,
//	                              format, options, options_len,
//	                              out_ptr, out_len);
//	void     typst_bridge_free(ptr, len);
//
// The WASM form passes 32-bit offsets into the module's exported memory,
// writes the result as a little-endian (ptr, len) pair to an 8-byte slot and
// additionally exports typst_bridge_alloc.
//
// # Loading
//
// A Loader opens each path at most once. Concurrent first callers share the
// attempt and see the same Handle or the same error. A failure is recorded
// and returned again without touching the binary.
//
// # Handles
//
// A Handle is shared by all callers. When the engine does not advertise
// CapReentrant, calls are serialized on the handle until their Result is
// released. A handle invalidated after a native fault rejects every call
// until Loader.Reset drops it.
//
// # Thread Safety
//
// Loader and Handle are safe for concurrent use. A Result belongs to the
// caller that received it and must be released exactly once.
package engine
