package decoder

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"heapthaw/internal/heap"
	"heapthaw/internal/region"
	"heapthaw/internal/wire"
)

// readData fills [current, limit) by interpreting opcodes until the
// write cursor reaches limit exactly. objAddr is the owning object, or 0
// when writing to off-heap scratch (top-level roots, repeat and reloc
// operands). Returns false without error when a deferred marker
// suspended the fill.
func (d *Deserializer) readData(current, limit heap.Address, space wire.Space, objAddr heap.Address) (bool, error) {
	// Old-to-young writes need barrier tracking unless the owner is
	// itself young, is executable, or the write goes off-heap.
	barrierNeeded := objAddr != 0 && space != wire.SpaceYoung && space != wire.SpaceCode

	for current < limit {
		pos := d.source.Position()
		op, err := d.source.Get()
		if err != nil {
			return false, fmt.Errorf("%w: end of stream inside object body at offset %d", ErrFormat, pos)
		}

		switch {
		case opIs(op, wire.OpNewObject, wire.NumSpaces):
			target := wire.Space(op & wire.SpaceMask)
			weak := d.alloc.GetAndClearNextRefWeak()
			obj, err := d.readObject(target)
			if err != nil {
				return false, err
			}
			if err := d.writeRef(current, objAddr, obj, weak, target == wire.SpaceYoung && barrierNeeded); err != nil {
				return false, err
			}
			current += wire.WordSize

		case opIs(op, wire.OpBackref, wire.NumSpaces):
			target := wire.Space(op & wire.SpaceMask)
			weak := d.alloc.GetAndClearNextRefWeak()
			obj, err := d.backReferencedObject(target)
			if err != nil {
				return false, err
			}
			if err := d.writeRef(current, objAddr, obj, weak, target == wire.SpaceYoung && barrierNeeded); err != nil {
				return false, err
			}
			current += wire.WordSize

		case op == wire.OpRootArray:
			id, err := d.operand("root index")
			if err != nil {
				return false, err
			}
			obj, err := d.heap.Root(id)
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrFormat, err)
			}
			d.hot.Add(obj)
			weak := d.alloc.GetAndClearNextRefWeak()
			emit := barrierNeeded && d.heap.InYoung(obj)
			if err := d.writeRef(current, objAddr, obj, weak, emit); err != nil {
				return false, err
			}
			current += wire.WordSize

		case op == wire.OpStartupCache:
			current, err = d.cacheReference(current, objAddr, barrierNeeded, d.heap.StartupCacheAt, "startup cache")
			if err != nil {
				return false, err
			}

		case op == wire.OpReadOnlyCache:
			// Read-only objects are never young; no barrier.
			id, err := d.operand("read-only cache index")
			if err != nil {
				return false, err
			}
			obj, err := d.heap.ReadOnlyCacheAt(id)
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrFormat, err)
			}
			weak := d.alloc.GetAndClearNextRefWeak()
			if err := d.writeRef(current, objAddr, obj, weak, false); err != nil {
				return false, err
			}
			current += wire.WordSize

		case op == wire.OpAttachedReference:
			id, err := d.operand("attached reference index")
			if err != nil {
				return false, err
			}
			if id >= len(d.attached) {
				return false, fmt.Errorf("%w: attached reference %d, %d supplied", ErrFormat, id, len(d.attached))
			}
			obj := d.attached[id]
			weak := d.alloc.GetAndClearNextRefWeak()
			emit := barrierNeeded && d.heap.InYoung(obj)
			if err := d.writeRef(current, objAddr, obj, weak, emit); err != nil {
				return false, err
			}
			current += wire.WordSize

		case op == wire.OpExternalReference:
			addr, err := d.readExternalReference()
			if err != nil {
				return false, err
			}
			if err := d.writeRaw(current, addr); err != nil {
				return false, err
			}
			current += wire.WordSize

		case op == wire.OpAPIReference:
			id, err := d.operand("API reference id")
			if err != nil {
				return false, err
			}
			addr, err := d.heap.APIRef(id)
			if err != nil {
				if errors.Is(err, heap.ErrNoEmbedderRefs) {
					return false, fmt.Errorf("%w: %v", ErrConfig, err)
				}
				return false, fmt.Errorf("%w: %v", ErrFormat, err)
			}
			if err := d.writeRaw(current, addr); err != nil {
				return false, err
			}
			current += wire.WordSize

		case op == wire.OpInternalReference,
			op == wire.OpInternalReferenceEncoded,
			op == wire.OpOffHeapTarget:
			// Only legal while replaying relocation entries.
			return false, fmt.Errorf("%w: opcode 0x%02x outside relocation patching at offset %d", ErrUnreachable, op, pos)

		case op == wire.OpNop:

		case op == wire.OpNextChunk:
			sp, err := d.source.Get()
			if err != nil {
				return false, fmt.Errorf("%w: next-chunk operand: %v", ErrFormat, err)
			}
			if err := d.alloc.AdvanceChunk(wire.Space(sp)); err != nil {
				return false, fmt.Errorf("%w: %v", ErrFormat, err)
			}

		case op == wire.OpDeferred:
			// Legal only right after the object's header slot.
			if objAddr == 0 || current != objAddr+wire.WordSize {
				return false, fmt.Errorf("%w: deferred marker at offset %d not after object header", ErrFormat, pos)
			}
			if err := d.markDeferred(objAddr, space); err != nil {
				return false, err
			}
			return false, nil

		case op == wire.OpSynchronize:
			// Consumed by the driver between root ranges; inside a body
			// it means producer and consumer lost sync.
			return false, fmt.Errorf("%w: synchronize inside object body at offset %d", ErrFormat, pos)

		case op == wire.OpVariableRawData:
			n, err := d.operand("raw data length")
			if err != nil {
				return false, err
			}
			if err := d.copyRaw(current, n); err != nil {
				return false, err
			}
			current += heap.Address(n)

		case op == wire.OpVariableRawCode:
			if objAddr == 0 || current != objAddr+wire.WordSize {
				return false, fmt.Errorf("%w: raw code at offset %d not after object header", ErrFormat, pos)
			}
			n, err := d.operand("raw code length")
			if err != nil {
				return false, err
			}
			if err := d.copyRaw(objAddr+heap.CodeDataStart, n); err != nil {
				return false, err
			}
			if err := d.readCodeObjectBody(space, objAddr); err != nil {
				return false, err
			}
			current = objAddr + heap.CodeDataStart + heap.Address(n)
			if current != limit {
				return false, fmt.Errorf("%w: code payload of %d bytes does not end object at offset %d", ErrFormat, n, pos)
			}

		case op == wire.OpVariableRepeat:
			count, err := d.operand("repeat count")
			if err != nil {
				return false, err
			}
			current, err = d.readRepeated(current, limit, count)
			if err != nil {
				return false, err
			}

		case op == wire.OpOffHeapBackingStore:
			n, err := d.operand("backing store length")
			if err != nil {
				return false, err
			}
			store := d.heap.NewBackingStore(n)
			if err := d.source.CopyRaw(store.Data); err != nil {
				return false, fmt.Errorf("%w: backing store payload: %v", ErrFormat, err)
			}
			d.stores = append(d.stores, store)

		case op == wire.OpClearedWeakRef:
			if err := d.writeRaw(current, uint64(heap.ClearedWeak)); err != nil {
				return false, err
			}
			current += wire.WordSize

		case op == wire.OpWeakPrefix:
			if err := d.alloc.SetNextRefWeak(); err != nil {
				return false, fmt.Errorf("%w: %v at offset %d", ErrFormat, err, pos)
			}

		case opIs(op, wire.OpAlignmentPrefix, 3):
			if err := d.alloc.SetAlignment(wire.AlignmentFromOpcode(op)); err != nil {
				return false, fmt.Errorf("%w: %v at offset %d", ErrFormat, err, pos)
			}

		case opIs(op, wire.OpRootArrayConstant, wire.NumRootArrayConstants):
			obj, err := d.heap.Root(int(op & wire.RootArrayConstantMask))
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrFormat, err)
			}
			// The first 32 roots are immortal and immovable; no weak
			// form, no barrier.
			if err := d.writeRaw(current, uint64(heap.Strong(obj))); err != nil {
				return false, err
			}
			current += wire.WordSize

		case opIs(op, wire.OpHotObject, wire.NumHotObjects):
			obj := d.hot.Get(int(op & wire.HotObjectMask))
			weak := d.alloc.GetAndClearNextRefWeak()
			emit := barrierNeeded && d.heap.InYoung(obj)
			if err := d.writeRef(current, objAddr, obj, weak, emit); err != nil {
				return false, err
			}
			current += wire.WordSize

		case opIs(op, wire.OpFixedRawData, wire.NumFixedRawData):
			n := wire.FixedRawDataWords(op) * wire.WordSize
			if err := d.copyRaw(current, n); err != nil {
				return false, err
			}
			current += heap.Address(n)

		case opIs(op, wire.OpFixedRepeat, wire.NumFixedRepeat):
			current, err = d.readRepeated(current, limit, wire.FixedRepeatCount(op))
			if err != nil {
				return false, err
			}

		default:
			return false, fmt.Errorf("%w: opcode 0x%02x at offset %d", ErrFormat, op, pos)
		}

		if current > limit {
			return false, fmt.Errorf("%w: object body overrun at offset %d", ErrFormat, pos)
		}
	}
	return true, nil
}

func opIs(op, base byte, count int) bool {
	return op >= base && int(op) < int(base)+count
}

// operand reads one varint opcode operand.
func (d *Deserializer) operand(what string) (int, error) {
	v, err := d.source.GetInt()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrFormat, what, err)
	}
	return v, nil
}

// writeRef writes a tagged reference into a slot, recording an
// old-to-young write when asked to.
func (d *Deserializer) writeRef(slotAddr, objAddr, obj heap.Address, weak, emitBarrier bool) error {
	r := heap.Strong(obj)
	if weak {
		r = heap.Weak(obj)
	}
	if err := d.heap.PutRef(slotAddr, r); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if emitBarrier {
		d.heap.RecordWrite(objAddr, slotAddr)
	}
	return nil
}

// writeRaw writes a non-reference word. The weak flag must not be
// pending: a weak prefix followed by a raw write is a format violation.
func (d *Deserializer) writeRaw(slotAddr heap.Address, v uint64) error {
	if d.alloc.WeakPending() {
		return fmt.Errorf("%w: weak prefix before non-reference write", ErrFormat)
	}
	if err := d.heap.PutWord(slotAddr, v); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return nil
}

func (d *Deserializer) copyRaw(dst heap.Address, n int) error {
	if d.alloc.WeakPending() {
		return fmt.Errorf("%w: weak prefix before raw data", ErrFormat)
	}
	buf, err := d.heap.Bytes(dst, n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if err := d.source.CopyRaw(buf); err != nil {
		return fmt.Errorf("%w: raw payload: %v", ErrFormat, err)
	}
	return nil
}

func (d *Deserializer) readExternalReference() (uint64, error) {
	id, err := d.operand("external reference id")
	if err != nil {
		return 0, err
	}
	addr, err := d.heap.ExternalRef(id)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return addr, nil
}

// readObject allocates a fresh object in the given space and
// materializes its body. The returned address may differ from the
// allocation when post-processing canonicalized the object.
func (d *Deserializer) readObject(space wire.Space) (heap.Address, error) {
	words, err := d.operand("object size")
	if err != nil {
		return 0, err
	}
	size := words << wire.WordSizeLog2
	addr, err := d.alloc.Allocate(space, size)
	if err != nil {
		if errors.Is(err, region.ErrReservation) {
			return 0, fmt.Errorf("%w: %v", ErrExhausted, err)
		}
		return 0, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if debugDecode {
		fmt.Fprintf(os.Stderr, "ALLOC %-8s 0x%06x size=%d pos=0x%06x\n",
			space, uint64(addr), size, d.source.Position())
	}
	Logger().Debug("object allocated",
		zap.Stringer("space", space),
		zap.Uint64("address", uint64(addr)),
		zap.Int("size", size))

	filled, err := d.readData(addr, addr+heap.Address(size), space, addr)
	if err != nil {
		return 0, err
	}
	if filled {
		// Deferred bodies are post-processed by the deferred pass.
		return d.postProcess(addr, space)
	}
	return addr, nil
}

// readObjectScratch materializes one standalone object reference into
// the shared off-heap scratch slot and returns its address. Used for
// repeat payloads and relocation operands.
func (d *Deserializer) readObjectScratch() (heap.Address, error) {
	if d.scratch == 0 {
		d.scratch = d.heap.NewScratch(1)
	}
	filled, err := d.readData(d.scratch, d.scratch+wire.WordSize, wire.SpaceYoung, 0)
	if err != nil {
		return 0, err
	}
	if !filled {
		return 0, fmt.Errorf("%w: deferred marker in standalone object read", ErrFormat)
	}
	r, err := d.heap.RefAt(d.scratch)
	if err != nil {
		return 0, err
	}
	if r.IsWeak() {
		return 0, fmt.Errorf("%w: weak reference as standalone object", ErrFormat)
	}
	return r.Address(), nil
}

// backReferencedObject resolves a back-reference operand for the given
// space: an allocation-order index, or a chunk/offset pair for the
// read-only and large regions. The result enters the hot-object cache.
func (d *Deserializer) backReferencedObject(space wire.Space) (heap.Address, error) {
	var obj heap.Address
	var err error
	switch space {
	case wire.SpaceReadOnly, wire.SpaceLarge:
		chunk, cerr := d.operand("back-reference chunk")
		if cerr != nil {
			return 0, cerr
		}
		offset, oerr := d.operand("back-reference offset")
		if oerr != nil {
			return 0, oerr
		}
		obj, err = d.alloc.BackRefByChunk(space, chunk, offset)
	default:
		index, ierr := d.operand("back-reference index")
		if ierr != nil {
			return 0, ierr
		}
		obj, err = d.alloc.BackRefByIndex(space, index)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	// A canonicalized string leaves a forwarding object behind; user
	// code follows it to the canonical target.
	if d.opts.UserCode {
		k, kerr := d.heap.KindOf(obj)
		if kerr == nil && k == heap.KindThinString {
			target, terr := d.heap.ThinTarget(obj)
			if terr != nil {
				return 0, fmt.Errorf("%w: %v", ErrFormat, terr)
			}
			obj = target
		}
	}

	d.hot.Add(obj)
	return obj, nil
}

// readRepeated materializes one object reference and writes it into
// count consecutive slots. Repeats bypass per-slot barrier tracking, so
// the value must not live in the young generation.
func (d *Deserializer) readRepeated(current, limit heap.Address, count int) (heap.Address, error) {
	if count < 1 {
		return 0, fmt.Errorf("%w: repeat count %d", ErrFormat, count)
	}
	if current+heap.Address(count*wire.WordSize) > limit {
		return 0, fmt.Errorf("%w: repeat of %d slots overruns object body", ErrFormat, count)
	}
	obj, err := d.readObjectScratch()
	if err != nil {
		return 0, err
	}
	if d.heap.InYoung(obj) {
		return 0, fmt.Errorf("%w: repeated value 0x%x is young-generation", ErrFormat, uint64(obj))
	}
	for i := 0; i < count; i++ {
		if err := d.writeRaw(current, uint64(heap.Strong(obj))); err != nil {
			return 0, err
		}
		current += wire.WordSize
	}
	return current, nil
}

// cacheReference handles the side tables whose entries may be young.
func (d *Deserializer) cacheReference(current, objAddr heap.Address, barrierNeeded bool,
	lookup func(int) (heap.Address, error), what string) (heap.Address, error) {
	id, err := d.operand(what + " index")
	if err != nil {
		return 0, err
	}
	obj, err := lookup(id)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	weak := d.alloc.GetAndClearNextRefWeak()
	emit := barrierNeeded && d.heap.InYoung(obj)
	if err := d.writeRef(current, objAddr, obj, weak, emit); err != nil {
		return 0, err
	}
	return current + wire.WordSize, nil
}

// markDeferred records the suspended object. A deferred shape
// descriptor gets tagged with the filler kind so nothing interprets its
// incomplete body; the deferred fill writes the real kind back.
func (d *Deserializer) markDeferred(objAddr heap.Address, space wire.Space) error {
	if k, err := d.heap.KindOf(objAddr); err == nil && k == heap.KindShape {
		if err := d.heap.SetShapeKind(objAddr, heap.KindFiller); err != nil {
			return fmt.Errorf("%w: %v", ErrFormat, err)
		}
	}
	d.deferred[objAddr] = space
	return nil
}
