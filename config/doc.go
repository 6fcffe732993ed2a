// Package config loads bridge configuration.
//
// Configuration comes from an optional file named by TYPST_BRIDGE_CONFIG,
// written in YAML or in JSON with comments:
//
//	manifest: /opt/typst-bridge/manifest.yaml
//	cache_dir: ${HOME}/.cache/typst-bridge
//	fonts:
//	  root: /opt/typst-bridge/fonts
//	  required: [Inter]
//	fault_policy: invalidate
//	timeout: 30s
//
// TYPST_BRIDGE_MANIFEST, TYPST_BRIDGE_BUNDLE_DIR, TYPST_BRIDGE_CACHE_DIR and
// TYPST_BRIDGE_FONT_DIR override the file. Paths may use ${VAR} and
// ${VAR:-default}.
//
// With no manifest or bundle directory configured, the bundle is looked up
// next to the running executable, in typst-bridge/ and then in
// ../share/typst-bridge/. A fonts/ directory inside it is the default font
// root.
package config
