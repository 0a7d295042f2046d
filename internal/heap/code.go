package heap

import (
	"fmt"

	"heapthaw/internal/bytestream"
	"heapthaw/internal/wire"
)

// Code object layout. The header words are filled from the stream after
// the raw payload copy; the payload (instruction bytes followed by the
// serialized reloc table, padded to a word boundary) starts at
// CodeDataStart.
const (
	CodeInstrSizeSlot = 1 // instruction byte count
	CodeRelocSizeSlot = 2 // reloc table byte count
	CodeFlagsSlot     = 3
	CodeOwnerSlot     = 4 // reference to the owning function, may be null
	CodePaddingSlot   = 5

	CodeHeaderWords = 6
	CodeDataStart   = CodeHeaderWords * wire.WordSize
)

// CodeEntry returns the address of a code object's first instruction.
func CodeEntry(code Address) Address { return code + CodeDataStart }

// CodeInstrSize returns the instruction byte count of a code object.
func (h *Heap) CodeInstrSize(code Address) (int, error) {
	n, err := h.Word(slot(code, CodeInstrSizeSlot))
	return int(n), err
}

// CodeInstructions returns a mutable view of a code object's instruction
// bytes.
func (h *Heap) CodeInstructions(code Address) ([]byte, error) {
	n, err := h.CodeInstrSize(code)
	if err != nil {
		return nil, err
	}
	return h.Bytes(CodeEntry(code), n)
}

// CodeRelocs parses the relocation entries serialized after a code
// object's instruction bytes, in the order the serializer visited them.
func (h *Heap) CodeRelocs(code Address) ([]wire.RelocEntry, error) {
	instrSize, err := h.CodeInstrSize(code)
	if err != nil {
		return nil, err
	}
	relocSize, err := h.Word(slot(code, CodeRelocSizeSlot))
	if err != nil {
		return nil, err
	}
	raw, err := h.Bytes(CodeEntry(code)+Address(instrSize), int(relocSize))
	if err != nil {
		return nil, fmt.Errorf("reloc table of code 0x%x: %w", uint64(code), err)
	}

	s := bytestream.New(raw)
	count, err := s.GetInt()
	if err != nil {
		return nil, fmt.Errorf("reloc count of code 0x%x: %w", uint64(code), err)
	}
	entries := make([]wire.RelocEntry, 0, count)
	for i := 0; i < count; i++ {
		kb, err := s.Get()
		if err != nil {
			return nil, fmt.Errorf("reloc entry %d of code 0x%x: %w", i, uint64(code), err)
		}
		kind := wire.RelocKind(kb &^ wire.RelocCodedSpeciallyBit)
		if !wire.ValidRelocKind(kind) {
			return nil, fmt.Errorf("reloc entry %d of code 0x%x: unknown kind %d", i, uint64(code), kind)
		}
		off, err := s.GetInt()
		if err != nil {
			return nil, fmt.Errorf("reloc entry %d of code 0x%x: %w", i, uint64(code), err)
		}
		if off < 0 || off >= instrSize {
			return nil, fmt.Errorf("reloc entry %d of code 0x%x: offset %d outside %d instruction bytes",
				i, uint64(code), off, instrSize)
		}
		entries = append(entries, wire.RelocEntry{
			Kind:           kind,
			Offset:         off,
			CodedSpecially: kb&wire.RelocCodedSpeciallyBit != 0,
		})
	}
	return entries, nil
}
