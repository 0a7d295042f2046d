package main

import (
	"flag"
	"fmt"
	"os"

	"heapthaw/internal/objgraph"
)

func cmdGraph(args []string) error {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	in := fs.String("in", "", "path to snapshot file")
	out := fs.String("out", "", "output DOT file (default stdout)")
	roots := fs.Int("roots", 64, "host root table size")
	extrefs := fs.Int("extrefs", 64, "synthetic external-reference table size")
	userCode := fs.Bool("user-code", false, "decode as user-compiled code")
	shapes := fs.Bool("shapes", false, "include shape edges")
	weak := fs.Bool("weak", false, "include weak edges")
	title := fs.String("title", "heap", "graph title")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("--in is required")
	}

	h, d, _, err := runDecode(*in, *roots, *extrefs, *userCode, false, false)
	if err != nil {
		return err
	}

	g := objgraph.Build(h, d.Allocator().Spans(), objgraph.Options{
		IncludeShapes: *shapes,
		IncludeWeak:   *weak,
	})
	dot := objgraph.DOT(g, *title)

	if *out == "" {
		fmt.Print(dot)
		return nil
	}
	if err := os.WriteFile(*out, []byte(dot), 0644); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d nodes, %d edges)\n", *out, len(g.Nodes), len(g.Edges))
	return nil
}
