package heap

import (
	"fmt"
	"hash/fnv"

	"heapthaw/internal/wire"
)

// Object layouts, as word offsets from the object base. Slot 0 of every
// object is its shape reference.
const (
	// Sequential strings: hash, byte length, then content bytes.
	StringHashSlot   = 1
	StringLengthSlot = 2
	StringDataSlot   = 3

	// Thin strings: hash, forwarding reference to the canonical string.
	ThinActualSlot = 2

	// External strings: hash, byte length, resource word. The resource
	// word holds a table index until post-processing resolves it.
	ExternalResourceSlot = 3

	// Scripts: numeric id, then reference slots.
	ScriptIDSlot = 1

	// Typed arrays: backing store word (placeholder index until fix-up),
	// byte offset into the store, element count.
	TypedArrayStoreSlot  = 1
	TypedArrayOffsetSlot = 2
	TypedArrayLengthSlot = 3

	// Array buffers: backing store word, byte length.
	ArrayBufferStoreSlot  = 1
	ArrayBufferLengthSlot = 2

	// Bytecode: two runtime-interpretation counters reset on restore.
	BytecodeBudgetSlot = 1
	BytecodeOSRSlot    = 2

	// Descriptor tables: count of entries marked by the collector.
	DescriptorMarkedSlot = 1

	// Hash tables: hash-dependent layout word, then entries.
	HashTableHashSlot    = 1
	HashTableEntriesSlot = 2

	// Allocation sites: weak list link installed after roots exist.
	AllocSiteWeakNextSlot = 1
)

// EmptyHashField is the value a cleared string hash slot holds.
const EmptyHashField = 0

func slot(obj Address, i int) Address { return obj + Address(i*wire.WordSize) }

// SlotAddress returns the address of an object's i'th word.
func SlotAddress(obj Address, i int) Address { return slot(obj, i) }

// StringContent returns the content bytes of a sequential string.
func (h *Heap) StringContent(obj Address) (string, error) {
	n, err := h.Word(slot(obj, StringLengthSlot))
	if err != nil {
		return "", err
	}
	b, err := h.Bytes(slot(obj, StringDataSlot), int(n))
	if err != nil {
		return "", fmt.Errorf("string content at 0x%x: %w", uint64(obj), err)
	}
	return string(b), nil
}

// SetStringHash writes a string's cached hash field.
func (h *Heap) SetStringHash(obj Address, hash uint64) error {
	return h.PutWord(slot(obj, StringHashSlot), hash)
}

// StringSizeWords returns the word size of a sequential string object
// holding contentLen content bytes.
func StringSizeWords(contentLen int) int {
	return StringDataSlot + (contentLen+wire.WordSize-1)/wire.WordSize
}

// Forward converts a duplicate string into a thin string pointing at the
// canonical object, so later back-references resolve to the canonical
// one. The object's shape reference is swapped, never the shape itself:
// shapes are shared across objects.
func (h *Heap) Forward(obj, canonical Address) error {
	if err := h.PutRef(obj, Strong(h.thinStringShape())); err != nil {
		return err
	}
	return h.PutRef(slot(obj, ThinActualSlot), Strong(canonical))
}

// thinStringShape returns the heap's shared thin-string shape, creating
// it on first use.
func (h *Heap) thinStringShape() Address {
	if h.thinShape == 0 {
		c := h.AddChunk(wire.SpaceShape, ShapeSizeWords*wire.WordSize)
		h.thinShape = c.Base
		_ = h.PutRef(h.thinShape, Strong(h.MetaShape()))
		_ = h.PutWord(slot(h.thinShape, ShapeKindSlot), uint64(KindThinString))
	}
	return h.thinShape
}

// ThinTarget returns the canonical string a thin string forwards to.
func (h *Heap) ThinTarget(obj Address) (Address, error) {
	r, err := h.RefAt(slot(obj, ThinActualSlot))
	if err != nil {
		return 0, err
	}
	return r.Address(), nil
}

// Intern canonicalizes an internalized string. If an equal entry exists
// its address is returned with ok=false; otherwise obj becomes canonical
// and ok=true. Interning never allocates.
func (h *Heap) Intern(obj Address) (canonical Address, ok bool, err error) {
	content, err := h.StringContent(obj)
	if err != nil {
		return 0, false, err
	}
	if existing, found := h.interns[content]; found {
		return existing, false, nil
	}
	h.interns[content] = obj
	return obj, true, nil
}

// LookupIntern reports the canonical object for a string value, if any.
func (h *Heap) LookupIntern(content string) (Address, bool) {
	a, ok := h.interns[content]
	return a, ok
}

// RegisterExternalString records an external string with the host's
// external-string bookkeeping and tracks its payload bytes.
func (h *Heap) RegisterExternalString(obj Address) error {
	n, err := h.Word(slot(obj, StringLengthSlot))
	if err != nil {
		return err
	}
	h.externalStrings = append(h.externalStrings, obj)
	h.externalBytes += int64(n)
	return nil
}

// ExternalStrings returns the registered external string objects.
func (h *Heap) ExternalStrings() []Address { return h.externalStrings }

// InterruptBudget returns the host's fresh-start bytecode interrupt
// budget.
func (h *Heap) InterruptBudget() uint64 { return h.interruptBudget }

// Rehash recomputes the hash-dependent layout word of a rehash-candidate
// object from its current entry contents.
func (h *Heap) Rehash(obj Address) error {
	k, err := h.KindOf(obj)
	if err != nil {
		return err
	}
	if !k.NeedsRehash() {
		return fmt.Errorf("heap: rehash of non-hash-table object 0x%x (%s)", uint64(obj), k)
	}
	count, err := h.Word(slot(obj, HashTableEntriesSlot))
	if err != nil {
		return err
	}
	d := fnv.New64a()
	var buf [wire.WordSize]byte
	for i := 0; i < int(count); i++ {
		w, err := h.Word(slot(obj, HashTableEntriesSlot+1+i))
		if err != nil {
			return err
		}
		for j := range buf {
			buf[j] = byte(w >> (8 * j))
		}
		d.Write(buf[:])
	}
	return h.PutWord(slot(obj, HashTableHashSlot), d.Sum64())
}
