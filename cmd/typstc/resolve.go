package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/wippyai/typst-bridge/platform"
)

func runResolve(args []string) error {
	var (
		g    globalFlags
		list bool
	)
	fs := newFlagSet("resolve")
	fs.BoolVar(&list, "list", false, "list every platform in the manifest")
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

	if list {
		m, err := platform.LoadManifest(cfg.Manifest)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PLATFORM\tFILE\tCOMPRESSION\tCHECKSUM")
		for _, key := range m.Keys() {
			e, _ := m.Lookup(key)
			marker := ""
			if key == c.Platform() {
				marker = " *"
			}
			fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\n", key, marker, e.File, e.Compression, e.Sum())
		}
		return tw.Flush()
	}

	res, err := c.Resolve(context.Background())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "platform:\t%s\n", c.Platform())
	if res.Key != c.Platform() {
		fmt.Fprintf(tw, "resolved:\t%s (fallback)\n", res.Key)
	}
	fmt.Fprintf(tw, "path:\t%s\n", res.Path)
	fmt.Fprintf(tw, "checksum:\t%s\n", res.Checksum)
	fmt.Fprintf(tw, "cached:\t%v\n", res.Cached)
	return tw.Flush()
}
