// Package platform resolves the precompiled engine binary for the running
// host.
//
// A Key names a platform as os-arch-libc-abiN. A Manifest maps each Key to
// exactly one bundled file together with its checksum and compression. The
// Resolver looks the key up, verifies the bytes (BLAKE3 or SHA-256) before
// anything loads them, and writes decompressed binaries through a per-ABI
// cache directory:
//
//	m, err := platform.LoadManifest("bundle/manifest.yaml")
//	r := platform.NewResolver(m, platform.Options{BundleDir: "bundle", CacheDir: cache})
//	res, err := r.Resolve(ctx, platform.Detect())
//
// Keys without an entry fail with an unsupported_platform error; there is no
// build-from-source fallback.
package platform
