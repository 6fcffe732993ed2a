package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/wippyai/typst-bridge/resource"
)

func runFonts(args []string) error {
	var (
		g           globalFlags
		interactive bool
	)
	fs := newFlagSet("fonts")
	fs.BoolVarP(&interactive, "interactive", "i", false, "browse the bundle in a TUI")
	g.register(fs)
	if err := parse(fs, args); err != nil {
		return err
	}

	log, err := g.logger()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	c, cfg, err := g.compiler(log)
	if err != nil {
		return err
	}
	bundle, err := c.Fonts()
	if err != nil {
		return err
	}

	if interactive {
		return runInteractive(cfg.Fonts.Root, bundle)
	}
	printFonts(bundle)
	return nil
}

func printFonts(b *resource.Bundle) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FAMILY\tSTYLE\tFORMAT\tSIZE\tPATH")
	for _, f := range b.Faces() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.Family, f.Style, f.Format, humanSize(f.Size), f.Path)
	}
	tw.Flush()
	for _, w := range b.Warnings() {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
