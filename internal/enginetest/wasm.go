package enginetest

// EchoWASM is a minimal WASM engine exporting ABI v1. It advertises PDF
// and SVG and answers by the first byte of the markup:
//
//	empty  status 1 with one "empty document" diagnostic
//	'!'    traps (unreachable)
//	'~'    spins until the call is interrupted
//	'?'    status 0 with a result buffer outside memory
//	'#'    status 7, echoing the markup
//	other  status 0, the markup itself as the artifact
//
// Allocation is a bump pointer that never reuses memory, so an instance
// serves a few hundred small calls at most.
var EchoWASM = []byte("" +
	// header
	"\x00asm\x01\x00\x00\x00" +
	// type: ()->i32, (i32)->i32, (i32 i32)->(), (i32 x8)->i32
	"\x01\x1b\x04\x60\x00\x01\x7f\x60\x01\x7f\x01\x7f\x60\x02\x7f\x7f\x00\x60\x08\x7f\x7f\x7f\x7f\x7f\x7f\x7f\x7f\x01\x7f" +
	// func: abi_version, capabilities, alloc, free, compile
	"\x03\x06\x05\x00\x00\x01\x02\x03" +
	// memory: 1 page
	"\x05\x03\x01\x00\x01" +
	// global $heap (mut i32) = 1024
	"\x06\x07\x01\x7f\x01\x41\x80\x08\x0b" +
	// export
	"\x07\x81\x01\x06" +
	"\x18typst_bridge_abi_version\x00\x00" +
	"\x19typst_bridge_capabilities\x00\x01" +
	"\x12typst_bridge_alloc\x00\x02" +
	"\x11typst_bridge_free\x00\x03" +
	"\x14typst_bridge_compile\x00\x04" +
	"\x06memory\x02\x00" +
	// code
	"\x0a\x9a\x01\x05" +
	// abi_version: (i32.const 1)
	"\x04\x00\x41\x01\x0b" +
	// capabilities: (i32.const 0x300)
	"\x05\x00\x41\x80\x06\x0b" +
	// alloc: bump $heap by size, return the old value
	"\x0b\x00\x23\x00\x23\x00\x20\x00\x6a\x24\x00\x0b" +
	// free: nothing
	"\x02\x00\x0b" +
	// compile(markup, markup_len, input, input_len, format, options, options_len, out)
	"\x7e\x00" +
	// (if (i32.eqz markup_len) (then (store out 16 40) (return 1)))
	"\x20\x01\x45\x04\x40\x20\x07\x41\x10\x36\x02\x00\x20\x07\x41\x28\x36\x02\x04\x41\x01\x0f\x0b" +
	// (if (i32.eq (load8_u markup) '!') (then unreachable))
	"\x20\x00\x2d\x00\x00\x41\x21\x46\x04\x40\x00\x0b" +
	// (if (i32.eq (load8_u markup) '~') (then (loop (br 0))))
	"\x20\x00\x2d\x00\x00\x41\xfe\x00\x46\x04\x40\x03\x40\x0c\x00\x0b\x0b" +
	// (if (i32.eq (load8_u markup) '?') (then (store out -16 16) (return 0)))
	"\x20\x00\x2d\x00\x00\x41\x3f\x46\x04\x40\x20\x07\x41\x70\x36\x02\x00\x20\x07\x41\x10\x36\x02\x04\x41\x00\x0f\x0b" +
	// (if (i32.eq (load8_u markup) '#') (then (store out markup markup_len) (return 7)))
	"\x20\x00\x2d\x00\x00\x41\x23\x46\x04\x40\x20\x07\x20\x00\x36\x02\x00\x20\x07\x20\x01\x36\x02\x04\x41\x07\x0f\x0b" +
	// (store out markup markup_len) (i32.const 0)
	"\x20\x07\x20\x00\x36\x02\x00\x20\x07\x20\x01\x36\x02\x04\x41\x00\x0b" +
	// data at 16: [{"severity": "error", "message": "empty document"}]
	"\x0b\x2e\x01\x00\x41\x10\x0b\x28" +
	"\x81\xa2\x68severity\x65error\x67message\x6eempty document")
