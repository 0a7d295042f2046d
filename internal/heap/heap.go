// Package heap provides the host-heap side of deserialization: chunked
// region memory, tagged references, shape descriptors, the root and cache
// tables, the string intern table, and the bookkeeping the decoder's
// post-processing relies on (remembered set, external memory, backing
// stores).
package heap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"heapthaw/internal/wire"
)

var (
	ErrBadAddress = errors.New("heap: address not mapped")
	ErrBounds     = errors.New("heap: access out of chunk bounds")
)

// Address is a virtual heap address. The null address is 0. All object
// addresses are word-aligned, leaving the low bits free for reference
// tagging.
type Address uint64

// Ref is a tagged slot value: a strong or weak reference to a heap
// object, or the cleared-weak sentinel.
type Ref uint64

const (
	refTagMask = 3
	strongTag  = 1
	weakTag    = 3
)

// ClearedWeak is the value written for a weak reference whose target was
// collected before serialization.
const ClearedWeak Ref = weakTag

// Strong tags an address as a strong reference.
func Strong(a Address) Ref { return Ref(a) | strongTag }

// Weak tags an address as a weak reference.
func Weak(a Address) Ref { return Ref(a) | weakTag }

// Address strips the reference tag.
func (r Ref) Address() Address { return Address(r) &^ refTagMask }

// IsWeak reports whether r carries the weak tag.
func (r Ref) IsWeak() bool { return r&refTagMask == weakTag }

// IsCleared reports whether r is the cleared-weak sentinel.
func (r Ref) IsCleared() bool { return r == ClearedWeak }

// IsRef reports whether a raw slot word looks like a tagged reference.
func IsRef(word uint64) bool { return word&strongTag != 0 }

// Chunk is one contiguous backing range of a region. Space is the wire
// region id, or scratchSpace for off-heap scratch and backing-store
// memory.
type Chunk struct {
	Base  Address
	Data  []byte
	Space wire.Space
}

const scratchSpace wire.Space = -1

// End returns one past the last mapped address of the chunk.
func (c *Chunk) End() Address { return c.Base + Address(len(c.Data)) }

// SlotWrite records one old-to-young reference for later incremental
// scanning.
type SlotWrite struct {
	Host Address // owning object
	Slot Address // slot that received the young reference
}

// BackingStore is an off-heap byte buffer restored from the stream. Base
// is its synthetic off-heap address, which relinked typed arrays and
// array buffers hold after fix-up.
type BackingStore struct {
	Base Address
	Data []byte
}

// Heap simulates the host runtime heap for one deserialization session.
type Heap struct {
	chunks   []*Chunk // sorted by Base
	nextBase Address

	roots         []Address
	readOnlyPages []*Chunk
	startupCache  []Address
	readOnlyCache []Address

	externalRefs []uint64
	apiRefs      []uint64 // nil: embedder supplied none
	builtins     []uint64 // embedded built-in-code blob entry points

	nativeSources  [][]byte // UTF-16LE source material for native strings
	nativeResolved map[int]Address

	interns   map[string]Address
	thinShape Address
	metaShape Address

	remembered      []SlotWrite
	externalStrings []Address
	externalBytes   int64

	interruptBudget uint64
	complete        bool // read-only space permanently fixed
}

const (
	baseStart Address = 0x10000
	chunkGap  Address = 0x1000
)

// New returns an empty heap.
func New() *Heap {
	return &Heap{
		nextBase:        baseStart,
		interns:         make(map[string]Address),
		nativeResolved:  make(map[int]Address),
		interruptBudget: DefaultInterruptBudget,
	}
}

// DefaultInterruptBudget is the fresh-start value post-processing writes
// into restored bytecode objects.
const DefaultInterruptBudget = 0x1800

// AddChunk maps a new backing chunk for the given space and returns it.
// Chunks are handed out at strictly increasing bases.
func (h *Heap) AddChunk(space wire.Space, size int) *Chunk {
	c := &Chunk{Base: h.nextBase, Data: make([]byte, size), Space: space}
	h.nextBase += Address((size+int(chunkGap)-1)/int(chunkGap))*chunkGap + chunkGap
	h.chunks = append(h.chunks, c)
	if space == wire.SpaceReadOnly {
		h.readOnlyPages = append(h.readOnlyPages, c)
	}
	return c
}

// NewScratch maps an off-heap scratch buffer of the given word count.
// Scratch memory is outside every region: writes into it never emit
// generational barriers and Contains reports false for it.
func (h *Heap) NewScratch(words int) Address {
	c := &Chunk{Base: h.nextBase, Data: make([]byte, words*wire.WordSize), Space: scratchSpace}
	h.nextBase += Address((len(c.Data)+int(chunkGap)-1)/int(chunkGap))*chunkGap + chunkGap
	h.chunks = append(h.chunks, c)
	return c.Base
}

// NewBackingStore maps an off-heap buffer of n bytes and returns it.
func (h *Heap) NewBackingStore(n int) *BackingStore {
	c := &Chunk{Base: h.nextBase, Data: make([]byte, n), Space: scratchSpace}
	h.nextBase += Address((n+int(chunkGap)-1)/int(chunkGap))*chunkGap + chunkGap
	h.chunks = append(h.chunks, c)
	return &BackingStore{Base: c.Base, Data: c.Data}
}

func (h *Heap) resolve(a Address) (*Chunk, int, error) {
	i := sort.Search(len(h.chunks), func(i int) bool { return h.chunks[i].End() > a })
	if i < len(h.chunks) && a >= h.chunks[i].Base {
		return h.chunks[i], int(a - h.chunks[i].Base), nil
	}
	return nil, 0, fmt.Errorf("%w: 0x%x", ErrBadAddress, uint64(a))
}

// Contains reports whether a names mapped region memory (scratch and
// backing-store chunks excluded).
func (h *Heap) Contains(a Address) bool {
	c, _, err := h.resolve(a)
	return err == nil && c.Space != scratchSpace
}

// SpaceOf returns the region an address belongs to.
func (h *Heap) SpaceOf(a Address) (wire.Space, bool) {
	c, _, err := h.resolve(a)
	if err != nil || c.Space == scratchSpace {
		return 0, false
	}
	return c.Space, true
}

// InYoung reports whether a is resident in the young generation.
func (h *Heap) InYoung(a Address) bool {
	c, _, err := h.resolve(a)
	return err == nil && c.Space == wire.SpaceYoung
}

// Word reads one word at a word-aligned address.
func (h *Heap) Word(a Address) (uint64, error) {
	c, off, err := h.resolve(a)
	if err != nil {
		return 0, err
	}
	if off+wire.WordSize > len(c.Data) {
		return 0, fmt.Errorf("%w: read at 0x%x", ErrBounds, uint64(a))
	}
	return binary.LittleEndian.Uint64(c.Data[off:]), nil
}

// PutWord writes one word. The address need not be word-aligned: slots
// inside code payloads are patched at instruction positions.
func (h *Heap) PutWord(a Address, v uint64) error {
	c, off, err := h.resolve(a)
	if err != nil {
		return err
	}
	if off+wire.WordSize > len(c.Data) {
		return fmt.Errorf("%w: write at 0x%x", ErrBounds, uint64(a))
	}
	binary.LittleEndian.PutUint64(c.Data[off:], v)
	return nil
}

// Bytes returns a mutable view of n bytes starting at a.
func (h *Heap) Bytes(a Address, n int) ([]byte, error) {
	c, off, err := h.resolve(a)
	if err != nil {
		return nil, err
	}
	if off+n > len(c.Data) {
		return nil, fmt.Errorf("%w: %d bytes at 0x%x", ErrBounds, n, uint64(a))
	}
	return c.Data[off : off+n : off+n], nil
}

// RefAt reads a tagged reference slot.
func (h *Heap) RefAt(a Address) (Ref, error) {
	w, err := h.Word(a)
	return Ref(w), err
}

// PutRef writes a tagged reference slot.
func (h *Heap) PutRef(a Address, r Ref) error { return h.PutWord(a, uint64(r)) }

// RecordWrite appends an old-to-young slot write to the remembered set.
func (h *Heap) RecordWrite(host, slot Address) {
	h.remembered = append(h.remembered, SlotWrite{Host: host, Slot: slot})
}

// RememberedSet returns the recorded old-to-young writes.
func (h *Heap) RememberedSet() []SlotWrite { return h.remembered }

// SetDeserializationComplete marks the read-only space as permanently
// fixed; read-only back-references resolve by page walk from now on.
func (h *Heap) SetDeserializationComplete() { h.complete = true }

// DeserializationComplete reports whether the read-only space is fixed.
func (h *Heap) DeserializationComplete() bool { return h.complete }

// ReadOnlyPageAddress resolves a chunk/offset pair by walking the
// read-only page list.
func (h *Heap) ReadOnlyPageAddress(chunk, offset int) (Address, error) {
	if chunk >= len(h.readOnlyPages) {
		return 0, fmt.Errorf("%w: read-only page %d of %d", ErrBadAddress, chunk, len(h.readOnlyPages))
	}
	p := h.readOnlyPages[chunk]
	if offset >= len(p.Data) {
		return 0, fmt.Errorf("%w: offset %d in read-only page %d", ErrBounds, offset, chunk)
	}
	return p.Base + Address(offset), nil
}

// ExternalMemory returns the tracked off-heap byte total.
func (h *Heap) ExternalMemory() int64 { return h.externalBytes }

// TrackExternalMemory adjusts the off-heap byte total.
func (h *Heap) TrackExternalMemory(delta int64) { h.externalBytes += delta }
