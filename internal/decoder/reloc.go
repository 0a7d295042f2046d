package decoder

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/arch/arm64/arm64asm"

	"heapthaw/internal/heap"
	"heapthaw/internal/wire"
)

// readCodeObjectBody finishes an executable object after its raw payload
// copy: the remaining header slots are read from the stream, then the
// relocation table embedded in the payload is replayed against further
// stream operands.
func (d *Deserializer) readCodeObjectBody(space wire.Space, code heap.Address) error {
	filled, err := d.readData(code+wire.WordSize, code+heap.CodeDataStart, space, code)
	if err != nil {
		return err
	}
	if !filled {
		return fmt.Errorf("%w: deferred marker inside code header of 0x%x", ErrFormat, uint64(code))
	}

	entries, err := d.heap.CodeRelocs(code)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	for _, e := range entries {
		if err := d.applyReloc(code, e); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deserializer) applyReloc(code heap.Address, e wire.RelocEntry) error {
	switch e.Kind {
	case wire.RelocCodeTarget:
		target, err := d.readObjectScratch()
		if err != nil {
			return err
		}
		return d.patchTarget(code, e, uint64(heap.CodeEntry(target)))

	case wire.RelocEmbeddedObject:
		obj, err := d.readObjectScratch()
		if err != nil {
			return err
		}
		return d.patchAddress(code, e.Offset, uint64(heap.Strong(obj)))

	case wire.RelocExternalReference:
		op, err := d.source.Get()
		if err != nil || op != wire.OpExternalReference {
			return fmt.Errorf("%w: external-reference reloc of code 0x%x lacks its opcode",
				ErrFormat, uint64(code))
		}
		addr, err := d.readExternalReference()
		if err != nil {
			return err
		}
		return d.patchTarget(code, e, addr)

	case wire.RelocInternalReference:
		return d.applyInternalReference(code, e)

	case wire.RelocOffHeapTarget:
		op, err := d.source.Get()
		if err != nil || op != wire.OpOffHeapTarget {
			return fmt.Errorf("%w: off-heap-target reloc of code 0x%x lacks its opcode",
				ErrFormat, uint64(code))
		}
		index, err := d.operand("builtin index")
		if err != nil {
			return err
		}
		addr, err := d.heap.BuiltinAddress(index)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
		return d.patchTarget(code, e, addr)
	}
	return fmt.Errorf("%w: reloc kind %d in code 0x%x", ErrFormat, e.Kind, uint64(code))
}

// applyInternalReference patches a position inside the same code object.
// The stream carries the pc offset again as a cross-check, then the
// target offset. The encoded form stores the offset itself rather than
// an absolute address.
func (d *Deserializer) applyInternalReference(code heap.Address, e wire.RelocEntry) error {
	op, err := d.source.Get()
	if err != nil {
		return fmt.Errorf("%w: internal-reference reloc: %v", ErrFormat, err)
	}
	if op != wire.OpInternalReference && op != wire.OpInternalReferenceEncoded {
		return fmt.Errorf("%w: internal-reference reloc of code 0x%x lacks its opcode",
			ErrFormat, uint64(code))
	}
	pcOffset, err := d.operand("internal reference pc offset")
	if err != nil {
		return err
	}
	if pcOffset != e.Offset {
		return fmt.Errorf("%w: internal reference pc offset %d, reloc table says %d",
			ErrFormat, pcOffset, e.Offset)
	}
	targetOffset, err := d.operand("internal reference target offset")
	if err != nil {
		return err
	}
	instrSize, err := d.heap.CodeInstrSize(code)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if targetOffset < 0 || targetOffset > instrSize {
		return fmt.Errorf("%w: internal reference target offset %d outside %d instruction bytes",
			ErrFormat, targetOffset, instrSize)
	}
	if op == wire.OpInternalReferenceEncoded {
		return d.patchAddress(code, e.Offset, uint64(targetOffset))
	}
	return d.patchAddress(code, e.Offset, uint64(heap.CodeEntry(code))+uint64(targetOffset))
}

// patchTarget dispatches on the entry encoding: specially coded entries
// live inside a branch instruction, the rest hold a full-width address.
func (d *Deserializer) patchTarget(code heap.Address, e wire.RelocEntry, target uint64) error {
	if e.CodedSpecially {
		return d.patchBranch(code, e.Offset, target)
	}
	return d.patchAddress(code, e.Offset, target)
}

func (d *Deserializer) patchAddress(code heap.Address, offset int, v uint64) error {
	if err := d.heap.PutWord(heap.CodeEntry(code)+heap.Address(offset), v); err != nil {
		return fmt.Errorf("%w: patch of code 0x%x at +%d: %v", ErrFormat, uint64(code), offset, err)
	}
	return nil
}

// patchBranch rewrites the imm26 field of an AArch64 B or BL at the
// given instruction offset so it lands on target. The existing
// instruction is decoded first; patching anything but a branch means the
// reloc table and the instruction bytes disagree.
func (d *Deserializer) patchBranch(code heap.Address, offset int, target uint64) error {
	instr, err := d.heap.Bytes(heap.CodeEntry(code)+heap.Address(offset), 4)
	if err != nil {
		return fmt.Errorf("%w: branch patch of code 0x%x at +%d: %v", ErrFormat, uint64(code), offset, err)
	}
	inst, err := arm64asm.Decode(instr)
	if err != nil || (inst.Op != arm64asm.B && inst.Op != arm64asm.BL) {
		return fmt.Errorf("%w: special-target patch of code 0x%x at +%d is not a branch",
			ErrFormat, uint64(code), offset)
	}

	pc := uint64(heap.CodeEntry(code)) + uint64(offset)
	delta := int64(target) - int64(pc)
	if delta%4 != 0 || delta < -(1<<27) || delta >= 1<<27 {
		return fmt.Errorf("%w: branch target 0x%x unreachable from 0x%x", ErrFormat, target, pc)
	}

	word := binary.LittleEndian.Uint32(instr)
	word = word&0xfc000000 | uint32(delta>>2)&0x03ffffff
	binary.LittleEndian.PutUint32(instr, word)

	Logger().Debug("patched branch",
		zap.Uint64("code", uint64(code)),
		zap.Int("offset", offset),
		zap.String("op", inst.Op.String()),
		zap.Uint64("target", target))
	return nil
}
