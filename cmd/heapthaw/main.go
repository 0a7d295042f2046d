package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "info":
		err = cmdInfo(os.Args[2:])
	case "dump":
		err = cmdDump(os.Args[2:])
	case "decode":
		err = cmdDecode(os.Args[2:])
	case "graph":
		err = cmdGraph(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `heapthaw — heap snapshot decoder

Usage:
  heapthaw info   --in <path> [--json]          Print snapshot header and reservations
  heapthaw dump   --in <path>                   Wire-level opcode listing
  heapthaw decode --in <path>                   Decode into a fresh heap, print summary
  heapthaw graph  --in <path> [--out <file>]    Decode and render the object graph as DOT

Flags:
  --in <path>        Path to snapshot file
  --out <file>       Output file (default stdout)
  --roots <n>        Host root table size for decode/graph (default 64)
  --extrefs <n>      Synthetic external-reference table size (default 64)
  --user-code        Decode as user-compiled code (interning, script ids)
  --rehash           Recompute hash-dependent layouts after decode
  --verbose          Structured decode logging to stderr
`)
}
