package decoder

import (
	"fmt"

	"heapthaw/internal/heap"
	"heapthaw/internal/wire"
)

// deserializeDeferredObjects runs the second pass: each record re-opens
// an object that deferred its body, resolves it by back-reference and
// fills every slot after the header. The pass ends at the synchronize
// byte.
func (d *Deserializer) deserializeDeferredObjects() error {
	for {
		pos := d.source.Position()
		op, err := d.source.Get()
		if err != nil {
			return fmt.Errorf("%w: deferred pass ended without synchronize: %v", ErrFormat, err)
		}
		switch {
		case op == wire.OpSynchronize:
			return nil

		case opIs(op, wire.OpAlignmentPrefix, 3):
			if err := d.alloc.SetAlignment(wire.AlignmentFromOpcode(op)); err != nil {
				return fmt.Errorf("%w: %v at offset %d", ErrFormat, err, pos)
			}

		case opIs(op, wire.OpNewObject, wire.NumSpaces):
			space := wire.Space(op & wire.SpaceMask)
			if err := d.fillDeferredObject(space); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: opcode 0x%02x in deferred pass at offset %d", ErrFormat, op, pos)
		}
	}
}

func (d *Deserializer) fillDeferredObject(space wire.Space) error {
	obj, err := d.backReferencedObject(space)
	if err != nil {
		return err
	}
	recordedSpace, deferred := d.deferred[obj]
	if !deferred {
		return fmt.Errorf("%w: object 0x%x was never deferred", ErrFormat, uint64(obj))
	}
	if recordedSpace != space {
		return fmt.Errorf("%w: deferred object 0x%x moved from %s to %s",
			ErrFormat, uint64(obj), recordedSpace, space)
	}

	words, err := d.operand("deferred object size")
	if err != nil {
		return err
	}
	size := heap.Address(words << wire.WordSizeLog2)

	// The header slot was filled in the first pass; the fill resumes
	// one word in and restores any filler-marked shape kind.
	filled, err := d.readData(obj+wire.WordSize, obj+size, space, obj)
	if err != nil {
		return err
	}
	if !filled {
		return fmt.Errorf("%w: deferred marker inside deferred fill of 0x%x", ErrFormat, uint64(obj))
	}
	delete(d.deferred, obj)

	_, err = d.postProcess(obj, space)
	return err
}
