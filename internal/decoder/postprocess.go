package decoder

import (
	"fmt"

	"heapthaw/internal/heap"
	"heapthaw/internal/wire"
)

// postProcess applies the per-kind fixups a freshly materialized object
// needs before anything else references it. The returned address is
// usually obj; interning under user code may substitute an existing
// canonical object.
func (d *Deserializer) postProcess(obj heap.Address, space wire.Space) (heap.Address, error) {
	kind, err := d.heap.KindOf(obj)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	if d.opts.Rehash || d.opts.UserCode {
		if kind.IsString() {
			if err := d.heap.SetStringHash(obj, heap.EmptyHashField); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrFormat, err)
			}
		}
		if kind.NeedsRehash() {
			d.toRehash = append(d.toRehash, obj)
		}
	}

	if d.opts.UserCode && kind == heap.KindInternalizedString {
		canonical, fresh, err := d.heap.Intern(obj)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		if !fresh {
			if err := d.heap.Forward(obj, canonical); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrFormat, err)
			}
			return canonical, nil
		}
		d.newInternedStrings = append(d.newInternedStrings, obj)
		return obj, nil
	}

	switch kind {
	case heap.KindScript:
		if d.opts.UserCode {
			id := uint64(len(d.newScripts) + 1)
			if err := d.heap.PutWord(heap.SlotAddress(obj, heap.ScriptIDSlot), id); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrFormat, err)
			}
		}
		d.newScripts = append(d.newScripts, obj)

	case heap.KindAllocationSite:
		// Sites restored in one session form a weak list, newest first.
		next := heap.ClearedWeak
		if n := len(d.newAllocationSites); n > 0 {
			next = heap.Weak(d.newAllocationSites[n-1])
		}
		if err := d.heap.PutRef(heap.SlotAddress(obj, heap.AllocSiteWeakNextSlot), next); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		d.newAllocationSites = append(d.newAllocationSites, obj)

	case heap.KindCode:
		if d.opts.UserCode || space == wire.SpaceLarge {
			d.newCodeObjects = append(d.newCodeObjects, obj)
		}

	case heap.KindShape:
		if d.opts.TraceShapes {
			d.newShapes = append(d.newShapes, obj)
		}

	case heap.KindExternalString:
		if err := d.heap.RegisterExternalString(obj); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrFormat, err)
		}

	case heap.KindNativeSourceString:
		if err := d.resolveNativeSourceString(obj); err != nil {
			return 0, err
		}

	case heap.KindTypedArray:
		if err := d.relinkTypedArray(obj); err != nil {
			return 0, err
		}

	case heap.KindArrayBuffer:
		if err := d.relinkArrayBuffer(obj); err != nil {
			return 0, err
		}

	case heap.KindBytecode:
		budget := heap.SlotAddress(obj, heap.BytecodeBudgetSlot)
		if err := d.heap.PutWord(budget, d.heap.InterruptBudget()); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		if err := d.heap.PutWord(heap.SlotAddress(obj, heap.BytecodeOSRSlot), 0); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrFormat, err)
		}

	case heap.KindDescriptorTable:
		if err := d.heap.PutWord(heap.SlotAddress(obj, heap.DescriptorMarkedSlot), 0); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrFormat, err)
		}

	case heap.KindAccessorInfo:
		if d.opts.CollectSideInfo {
			d.accessorInfos = append(d.accessorInfos, obj)
		}

	case heap.KindCallHandlerInfo:
		if d.opts.CollectSideInfo {
			d.callHandlerInfos = append(d.callHandlerInfos, obj)
		}
	}
	return obj, nil
}

// resolveNativeSourceString swaps a native-source string's resource
// index for the decoded source text's off-heap address.
func (d *Deserializer) resolveNativeSourceString(obj heap.Address) error {
	slot := heap.SlotAddress(obj, heap.ExternalResourceSlot)
	index, err := d.heap.Word(slot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	addr, _, err := d.heap.ResolveNativeSource(int(index))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := d.heap.PutWord(slot, uint64(addr)); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if err := d.heap.RegisterExternalString(obj); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return nil
}

// backingStore resolves the placeholder a typed array or array buffer
// carried through serialization: zero means no store, otherwise the
// stream index plus one.
func (d *Deserializer) backingStore(placeholder uint64) (*heap.BackingStore, error) {
	if placeholder == 0 {
		return nil, nil
	}
	i := int(placeholder) - 1
	if i >= len(d.stores) {
		return nil, fmt.Errorf("%w: backing store %d of %d restored", ErrFormat, i, len(d.stores))
	}
	return d.stores[i], nil
}

func (d *Deserializer) relinkTypedArray(obj heap.Address) error {
	slot := heap.SlotAddress(obj, heap.TypedArrayStoreSlot)
	placeholder, err := d.heap.Word(slot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	store, err := d.backingStore(placeholder)
	if err != nil || store == nil {
		return err
	}
	offset, err := d.heap.Word(heap.SlotAddress(obj, heap.TypedArrayOffsetSlot))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if int(offset) > len(store.Data) {
		return fmt.Errorf("%w: typed array offset %d beyond %d-byte store", ErrFormat, offset, len(store.Data))
	}
	if err := d.heap.PutWord(slot, uint64(store.Base)+offset); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return nil
}

func (d *Deserializer) relinkArrayBuffer(obj heap.Address) error {
	slot := heap.SlotAddress(obj, heap.ArrayBufferStoreSlot)
	placeholder, err := d.heap.Word(slot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	store, err := d.backingStore(placeholder)
	if err != nil || store == nil {
		return err
	}
	if err := d.heap.PutWord(slot, uint64(store.Base)); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	d.heap.TrackExternalMemory(int64(len(store.Data)))
	return nil
}
