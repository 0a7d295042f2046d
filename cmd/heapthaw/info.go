package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"heapthaw/internal/bytestream"
	"heapthaw/internal/wire"
)

type snapshotInfo struct {
	Magic        string       `json:"magic"`
	RootCount    int          `json:"root_count"`
	Reservations []regionInfo `json:"reservations"`
	HeaderBytes  int          `json:"header_bytes"`
	BodyBytes    int          `json:"body_bytes"`
}

type regionInfo struct {
	Space  string `json:"space"`
	Chunks []int  `json:"chunks"`
	Total  int    `json:"total"`
}

func cmdInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	in := fs.String("in", "", "path to snapshot file")
	jsonOut := fs.Bool("json", false, "output as JSON")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("--in is required")
	}

	data, err := os.ReadFile(*in)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	s := bytestream.New(data)
	magic, err := s.ReadUint32()
	if err != nil {
		return fmt.Errorf("header: %w", err)
	}
	if magic != wire.Magic {
		return fmt.Errorf("bad magic 0x%08x (want 0x%08x)", magic, wire.Magic)
	}
	rootCount, err := s.GetInt()
	if err != nil {
		return fmt.Errorf("root count: %w", err)
	}

	info := snapshotInfo{
		Magic:     fmt.Sprintf("0x%08x", magic),
		RootCount: rootCount,
	}
	for sp := wire.Space(0); sp < wire.NumSpaces; sp++ {
		n, err := s.GetInt()
		if err != nil {
			return fmt.Errorf("%s reservation count: %w", sp, err)
		}
		r := regionInfo{Space: sp.String()}
		for i := 0; i < n; i++ {
			size, err := s.GetInt()
			if err != nil {
				return fmt.Errorf("%s chunk %d size: %w", sp, i, err)
			}
			r.Chunks = append(r.Chunks, size)
			r.Total += size
		}
		info.Reservations = append(info.Reservations, r)
	}
	info.HeaderBytes = s.Position()
	info.BodyBytes = len(data) - s.Position()

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Printf("Snapshot: %s (%d bytes)\n", *in, len(data))
	fmt.Printf("  Magic:      %s\n", info.Magic)
	fmt.Printf("  Roots:      %d\n", info.RootCount)
	fmt.Printf("  Header:     %d bytes, body %d bytes\n", info.HeaderBytes, info.BodyBytes)
	fmt.Println("\nReservations:")
	for _, r := range info.Reservations {
		if len(r.Chunks) == 0 {
			continue
		}
		fmt.Printf("  %-9s %d chunk(s), %d bytes", r.Space, len(r.Chunks), r.Total)
		for _, c := range r.Chunks {
			fmt.Printf("  0x%x", c)
		}
		fmt.Println()
	}
	return nil
}
