package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"heapthaw/internal/bytestream"
	"heapthaw/internal/wire"
)

// cmdDump walks the opcode stream and prints one line per opcode with
// its operands, without materializing anything. Raw payloads are
// skipped, not printed.
func cmdDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	in := fs.String("in", "", "path to snapshot file")
	out := fs.String("out", "", "output file (default stdout)")

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

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return fmt.Errorf("create: %w", err)
		}
		defer f.Close()
		w = f
	}

	s := bytestream.New(data)
	if err := skipHeader(s, w); err != nil {
		return err
	}
	return dumpOpcodes(s, w)
}

func skipHeader(s *bytestream.Stream, w io.Writer) error {
	magic, err := s.ReadUint32()
	if err != nil {
		return fmt.Errorf("header: %w", err)
	}
	if magic != wire.Magic {
		return fmt.Errorf("bad magic 0x%08x", magic)
	}
	rootCount, err := s.GetInt()
	if err != nil {
		return fmt.Errorf("root count: %w", err)
	}
	total := 0
	for sp := wire.Space(0); sp < wire.NumSpaces; sp++ {
		n, err := s.GetInt()
		if err != nil {
			return fmt.Errorf("%s reservation count: %w", sp, err)
		}
		for i := 0; i < n; i++ {
			size, err := s.GetInt()
			if err != nil {
				return fmt.Errorf("%s chunk %d size: %w", sp, i, err)
			}
			total += size
		}
	}
	fmt.Fprintf(w, "; roots=%d reserved=%d header=%d bytes\n", rootCount, total, s.Position())
	return nil
}

func dumpOpcodes(s *bytestream.Stream, w io.Writer) error {
	for s.HasMore() {
		pos := s.Position()
		op, err := s.Get()
		if err != nil {
			return err
		}
		line, err := describeOpcode(s, op)
		if err != nil {
			return fmt.Errorf("at offset 0x%06x: %w", pos, err)
		}
		fmt.Fprintf(w, "0x%06x  %s\n", pos, line)
	}
	return nil
}

func describeOpcode(s *bytestream.Stream, op byte) (string, error) {
	if sp, ok := wire.IsNewObject(op); ok {
		words, err := s.GetInt()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("new-object %-9s %d words", sp, words), nil
	}
	if sp, ok := wire.IsBackref(op); ok {
		if sp == wire.SpaceReadOnly || sp == wire.SpaceLarge {
			chunk, err := s.GetInt()
			if err != nil {
				return "", err
			}
			off, err := s.GetInt()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("backref    %-9s chunk=%d offset=0x%x", sp, chunk, off), nil
		}
		index, err := s.GetInt()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("backref    %-9s index=%d", sp, index), nil
	}

	withIndex := func(name string) (string, error) {
		i, err := s.GetInt()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%-20s %d", name, i), nil
	}

	switch {
	case op == wire.OpRootArray:
		return withIndex("root-array")
	case op == wire.OpStartupCache:
		return withIndex("startup-cache")
	case op == wire.OpReadOnlyCache:
		return withIndex("read-only-cache")
	case op == wire.OpAttachedReference:
		return withIndex("attached-ref")
	case op == wire.OpExternalReference:
		return withIndex("external-ref")
	case op == wire.OpAPIReference:
		return withIndex("api-ref")
	case op == wire.OpOffHeapTarget:
		return withIndex("off-heap-target")
	case op == wire.OpNop:
		return "nop", nil
	case op == wire.OpSynchronize:
		return "synchronize", nil
	case op == wire.OpDeferred:
		return "deferred", nil
	case op == wire.OpNextChunk:
		sp, err := s.Get()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("next-chunk %s", wire.Space(sp)), nil
	case op == wire.OpVariableRawData:
		n, err := s.GetInt()
		if err != nil {
			return "", err
		}
		if err := skipBytes(s, n); err != nil {
			return "", err
		}
		return fmt.Sprintf("raw-data %d bytes", n), nil
	case op == wire.OpVariableRawCode:
		n, err := s.GetInt()
		if err != nil {
			return "", err
		}
		if err := skipBytes(s, n); err != nil {
			return "", err
		}
		return fmt.Sprintf("raw-code %d bytes (header+relocs follow)", n), nil
	case op == wire.OpVariableRepeat:
		return withIndex("repeat")
	case op == wire.OpOffHeapBackingStore:
		n, err := s.GetInt()
		if err != nil {
			return "", err
		}
		if err := skipBytes(s, n); err != nil {
			return "", err
		}
		return fmt.Sprintf("backing-store %d bytes", n), nil
	case op == wire.OpClearedWeakRef:
		return "cleared-weak", nil
	case op == wire.OpWeakPrefix:
		return "weak-prefix", nil
	case op >= wire.OpAlignmentPrefix && op < wire.OpAlignmentPrefix+3:
		return fmt.Sprintf("align %d", op-wire.OpAlignmentPrefix+1), nil
	case op == wire.OpInternalReference, op == wire.OpInternalReferenceEncoded:
		pc, err := s.GetInt()
		if err != nil {
			return "", err
		}
		target, err := s.GetInt()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("internal-ref pc=+%d target=+%d", pc, target), nil
	case op >= wire.OpRootArrayConstant && int(op) < int(wire.OpRootArrayConstant)+wire.NumRootArrayConstants:
		return fmt.Sprintf("root-constant %d", op&wire.RootArrayConstantMask), nil
	case op >= wire.OpHotObject && int(op) < int(wire.OpHotObject)+wire.NumHotObjects:
		return fmt.Sprintf("hot-object %d", op&wire.HotObjectMask), nil
	case op >= wire.OpFixedRawData && int(op) < int(wire.OpFixedRawData)+wire.NumFixedRawData:
		n := wire.FixedRawDataWords(op) * wire.WordSize
		if err := skipBytes(s, n); err != nil {
			return "", err
		}
		return fmt.Sprintf("raw-data %d words", wire.FixedRawDataWords(op)), nil
	case op >= wire.OpFixedRepeat && int(op) < int(wire.OpFixedRepeat)+wire.NumFixedRepeat:
		return fmt.Sprintf("repeat %d", wire.FixedRepeatCount(op)), nil
	}
	return fmt.Sprintf("?? 0x%02x", op), nil
}

func skipBytes(s *bytestream.Stream, n int) error {
	buf := make([]byte, n)
	return s.CopyRaw(buf)
}
