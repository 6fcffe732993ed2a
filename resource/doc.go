// Package resource indexes the font bundle handed to the engine.
//
// A Registry scans its root once for .ttf, .otf, .ttc and .otc files (any
// case), in lexical path order, and builds an immutable Bundle. Symlinked
// files and directories are followed; a link back to an enclosing directory
// is skipped with a warning.
//
//	reg := resource.NewRegistry("fonts", []string{"Inter"}, logger)
//	bundle, err := reg.Init()
//	face, ok := bundle.Lookup("Inter", "Bold")
//
// # Naming
//
// Files follow Family-Style.ext, for example Inter-BoldItalic.ttf. A name
// without a dash gets style Regular, unless the file sits in a family
// directory (fonts/Inter/Bold.ttf), which then names the family.
//
// # Failures
//
// Every file is checked for an sfnt header. Files that fail are skipped and
// listed by Bundle.Warnings. A required family that is missing or only
// present as unreadable files fails Init with a resource_init_failed error.
//
// # Handles
//
// Faces live in a sealed Table and are addressed by Handle. Handle 0 is
// never valid.
package resource
