package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"heapthaw/internal/decoder"
	"heapthaw/internal/heap"
	"heapthaw/internal/wire"
)

func cmdDecode(args []string) error {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	in := fs.String("in", "", "path to snapshot file")
	roots := fs.Int("roots", 64, "host root table size")
	extrefs := fs.Int("extrefs", 64, "synthetic external-reference table size")
	userCode := fs.Bool("user-code", false, "decode as user-compiled code")
	rehash := fs.Bool("rehash", false, "recompute hash-dependent layouts")
	verbose := fs.Bool("verbose", false, "structured decode logging to stderr")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("--in is required")
	}

	h, d, refs, err := runDecode(*in, *roots, *extrefs, *userCode, *rehash, *verbose)
	if err != nil {
		return err
	}

	fmt.Printf("Decoded %d root reference(s)\n\nRegions:\n", len(refs))
	for _, u := range d.Allocator().Usage() {
		if u.Chunks == 0 {
			continue
		}
		fmt.Printf("  %-9s %d chunk(s)  %d/%d bytes  %d object(s)\n",
			u.Space, u.Chunks, u.Used, u.Reserved, u.Allocated)
	}

	fmt.Printf("\nRemembered set:   %d slot write(s)\n", len(h.RememberedSet()))
	fmt.Printf("External memory:  %d byte(s)\n", h.ExternalMemory())
	fmt.Printf("Backing stores:   %d\n", len(d.BackingStores()))
	if n := len(d.NewScripts()); n > 0 {
		fmt.Printf("Scripts:          %d\n", n)
	}
	if n := len(d.NewCodeObjects()); n > 0 {
		fmt.Printf("Code objects:     %d\n", n)
	}
	if n := len(d.NewInternedStrings()); n > 0 {
		fmt.Printf("Interned strings: %d\n", n)
	}

	fmt.Println("\nRoots:")
	for i, r := range refs {
		kind := "null"
		if a := r.Address(); a != 0 {
			if k, err := h.KindOf(a); err == nil {
				kind = k.String()
			} else {
				kind = "raw"
			}
		}
		tag := ""
		if r.IsCleared() {
			tag = " (cleared weak)"
		} else if r.IsWeak() {
			tag = " (weak)"
		}
		fmt.Printf("  [%d] 0x%x %s%s\n", i, uint64(r.Address()), kind, tag)
	}
	return nil
}

// runDecode reads a snapshot and decodes it into a fresh heap with a
// synthetic host environment: plain host objects for the root table and
// a counted external-reference table. Real embedders supply their own.
func runDecode(in string, roots, extrefs int, userCode, rehash, verbose bool) (*heap.Heap, *decoder.Deserializer, []heap.Ref, error) {
	data, err := os.ReadFile(in)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read: %w", err)
	}

	if verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return nil, nil, nil, err
		}
		decoder.SetLogger(log)
	}

	h := heap.New()
	rootTable := make([]heap.Address, roots)
	for i := range rootTable {
		rootTable[i] = h.NewHostObject(wire.SpaceOld, heap.KindPlain, 2)
	}
	h.SetRoots(rootTable)

	extTable := make([]uint64, extrefs)
	for i := range extTable {
		extTable[i] = 0xfff00000 + uint64(i)*8
	}
	h.SetExternalRefs(extTable)

	d, err := decoder.New(h, data, nil, decoder.Options{
		UserCode:    userCode,
		Rehash:      rehash,
		TraceShapes: verbose,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	refs, err := d.Run()
	if err != nil {
		return nil, nil, nil, err
	}
	return h, d, refs, nil
}
