// Package region carves object addresses out of the pre-declared
// allocation regions and tracks the bookkeeping later opcodes resolve
// against: per-region back-reference tables, the pending allocation
// alignment, and the single-shot weak-reference flag.
package region

import (
	"errors"
	"fmt"

	"heapthaw/internal/heap"
	"heapthaw/internal/wire"
)

var (
	ErrReservation = errors.New("region: reservation exhausted")
	ErrBackref     = errors.New("region: bad back-reference")
	ErrWeakFlag    = errors.New("region: weak prefix already pending")
	ErrAlignment   = errors.New("region: alignment prefix already pending")
)

type spaceState struct {
	chunks  []*heap.Chunk
	current int
	offset  int
	allocs  []heap.Address // allocation order -> address
}

// Allocator hands out addresses from the declared reservations of the
// six regions, in strictly increasing order within each region.
type Allocator struct {
	heap   *heap.Heap
	spaces [wire.NumSpaces]spaceState

	pendingAlign wire.Alignment
	nextRefWeak  bool
}

// New returns an allocator over the given heap with no reservations.
func New(h *heap.Heap) *Allocator {
	return &Allocator{heap: h}
}

// DeclareReservations maps the backing chunks the snapshot header
// declares. Must be called once, before any allocation.
func (a *Allocator) DeclareReservations(res wire.Reservations) error {
	for s := wire.Space(0); s < wire.NumSpaces; s++ {
		st := &a.spaces[s]
		if len(st.chunks) != 0 {
			return errors.New("region: reservations already declared")
		}
		for _, size := range res[s] {
			if size <= 0 || size%wire.WordSize != 0 {
				return fmt.Errorf("region: bad %s chunk size %d", s, size)
			}
			st.chunks = append(st.chunks, a.heap.AddChunk(s, size))
		}
	}
	return nil
}

func alignFill(base heap.Address, offset int, align wire.Alignment) int {
	pos := uint64(base) + uint64(offset)
	switch align {
	case wire.AlignDouble:
		for pos%16 != 0 {
			pos += wire.WordSize
		}
	case wire.AlignDoubleUnaligned:
		for pos%16 != wire.WordSize {
			pos += wire.WordSize
		}
	case wire.AlignCode:
		for pos%32 != 0 {
			pos += wire.WordSize
		}
	}
	return int(pos - uint64(base))
}

// Allocate carves size bytes out of the region's current chunk, honoring
// a pending alignment prefix (consumed here). The large region consumes
// one whole declared chunk per allocation.
func (a *Allocator) Allocate(space wire.Space, size int) (heap.Address, error) {
	if !space.Valid() {
		return 0, fmt.Errorf("region: allocate in invalid space %d", space)
	}
	if size <= 0 || size%wire.WordSize != 0 {
		return 0, fmt.Errorf("region: bad allocation size %d in %s", size, space)
	}
	align := a.pendingAlign
	a.pendingAlign = wire.AlignWord

	st := &a.spaces[space]
	if space == wire.SpaceLarge {
		// One chunk per large object; alignment prefixes are meaningless
		// here since every chunk starts a fresh base.
		if st.current >= len(st.chunks) {
			return 0, fmt.Errorf("%w: no large chunk left for %d bytes", ErrReservation, size)
		}
		c := st.chunks[st.current]
		if size != len(c.Data) {
			return 0, fmt.Errorf("%w: large object of %d bytes in %d-byte chunk", ErrReservation, size, len(c.Data))
		}
		st.current++
		st.allocs = append(st.allocs, c.Base)
		return c.Base, nil
	}

	if st.current >= len(st.chunks) {
		return 0, fmt.Errorf("%w: %s has no chunk for %d bytes", ErrReservation, space, size)
	}
	c := st.chunks[st.current]
	st.offset = alignFill(c.Base, st.offset, align)
	if st.offset+size > len(c.Data) {
		return 0, fmt.Errorf("%w: %s chunk %d has %d bytes free, need %d",
			ErrReservation, space, st.current, len(c.Data)-st.offset, size)
	}
	addr := c.Base + heap.Address(st.offset)
	st.offset += size
	st.allocs = append(st.allocs, addr)
	return addr, nil
}

// AdvanceChunk moves a region's cursor to its next backing chunk. The
// serializer emits this exactly when the current chunk is full.
func (a *Allocator) AdvanceChunk(space wire.Space) error {
	if !space.Valid() || space == wire.SpaceLarge {
		return fmt.Errorf("region: next-chunk in invalid space %d", space)
	}
	st := &a.spaces[space]
	if st.current >= len(st.chunks) {
		return fmt.Errorf("%w: %s has no next chunk", ErrReservation, space)
	}
	if st.offset != len(st.chunks[st.current].Data) {
		return fmt.Errorf("region: %s chunk %d advanced with %d bytes unused",
			space, st.current, len(st.chunks[st.current].Data)-st.offset)
	}
	st.current++
	st.offset = 0
	return nil
}

// BackRefByIndex resolves an allocation-order back-reference. An index
// at or past the current allocation count names an object that does not
// exist yet, which a well-formed stream never does.
func (a *Allocator) BackRefByIndex(space wire.Space, index int) (heap.Address, error) {
	st := &a.spaces[space]
	if index < 0 || index >= len(st.allocs) {
		return 0, fmt.Errorf("%w: %s index %d, %d objects allocated", ErrBackref, space, index, len(st.allocs))
	}
	return st.allocs[index], nil
}

// BackRefByChunk resolves a chunk/offset back-reference (read-only and
// large regions). For the read-only region after the host marks
// deserialization complete, resolution walks the heap's read-only page
// list instead of the allocator's own chunk table.
func (a *Allocator) BackRefByChunk(space wire.Space, chunk, offset int) (heap.Address, error) {
	if space == wire.SpaceReadOnly && a.heap.DeserializationComplete() {
		addr, err := a.heap.ReadOnlyPageAddress(chunk, offset)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBackref, err)
		}
		return addr, nil
	}
	st := &a.spaces[space]
	if chunk < 0 || chunk >= len(st.chunks) {
		return 0, fmt.Errorf("%w: %s chunk %d of %d", ErrBackref, space, chunk, len(st.chunks))
	}
	c := st.chunks[chunk]
	if offset < 0 || offset >= len(c.Data) {
		return 0, fmt.Errorf("%w: offset %d in %s chunk %d", ErrBackref, offset, space, chunk)
	}
	return c.Base + heap.Address(offset), nil
}

// SetNextRefWeak arms the single-shot weak-reference flag. Arming it
// twice without an intervening reference is a format violation.
func (a *Allocator) SetNextRefWeak() error {
	if a.nextRefWeak {
		return ErrWeakFlag
	}
	a.nextRefWeak = true
	return nil
}

// GetAndClearNextRefWeak consumes the weak-reference flag.
func (a *Allocator) GetAndClearNextRefWeak() bool {
	w := a.nextRefWeak
	a.nextRefWeak = false
	return w
}

// WeakPending reports the flag without consuming it. Opcodes that write
// raw words must observe it clear.
func (a *Allocator) WeakPending() bool { return a.nextRefWeak }

// SetAlignment arms the single-shot alignment for the next allocation.
func (a *Allocator) SetAlignment(al wire.Alignment) error {
	if a.pendingAlign != wire.AlignWord {
		return ErrAlignment
	}
	a.pendingAlign = al
	return nil
}

// ReservationsFullyUsed reports whether every declared chunk of every
// region was exactly consumed.
func (a *Allocator) ReservationsFullyUsed() bool {
	for s := wire.Space(0); s < wire.NumSpaces; s++ {
		st := &a.spaces[s]
		if len(st.chunks) == 0 {
			continue
		}
		if s == wire.SpaceLarge {
			if st.current != len(st.chunks) {
				return false
			}
			continue
		}
		if st.current != len(st.chunks)-1 {
			return false
		}
		if st.offset != len(st.chunks[st.current].Data) {
			return false
		}
	}
	return true
}

// ObjectSpan is one materialized object's extent.
type ObjectSpan struct {
	Space wire.Space
	Addr  heap.Address
	Size  int
}

// Spans returns every allocation made so far with its byte extent, in
// allocation order per region. An object's extent runs to the next
// allocation in the same chunk, so alignment fill is counted with the
// object preceding the gap, never with the one after it.
func (a *Allocator) Spans() []ObjectSpan {
	var out []ObjectSpan
	for s := wire.Space(0); s < wire.NumSpaces; s++ {
		st := &a.spaces[s]
		if s == wire.SpaceLarge {
			for i, addr := range st.allocs {
				out = append(out, ObjectSpan{Space: s, Addr: addr, Size: len(st.chunks[i].Data)})
			}
			continue
		}
		for i, addr := range st.allocs {
			c, ci := a.chunkOf(st, addr)
			if c == nil {
				continue
			}
			end := c.Base + heap.Address(len(c.Data))
			if ci == st.current {
				end = c.Base + heap.Address(st.offset)
			}
			if i+1 < len(st.allocs) && st.allocs[i+1] > addr && st.allocs[i+1] <= end {
				end = st.allocs[i+1]
			}
			out = append(out, ObjectSpan{Space: s, Addr: addr, Size: int(end - addr)})
		}
	}
	return out
}

func (a *Allocator) chunkOf(st *spaceState, addr heap.Address) (*heap.Chunk, int) {
	for i, c := range st.chunks {
		if addr >= c.Base && addr < c.Base+heap.Address(len(c.Data)) {
			return c, i
		}
	}
	return nil, 0
}

// UsageReport describes one region's consumption, for diagnostics.
type UsageReport struct {
	Space     wire.Space
	Chunks    int
	Reserved  int
	Used      int
	Allocated int // object count
}

// Usage summarizes per-region consumption.
func (a *Allocator) Usage() []UsageReport {
	out := make([]UsageReport, 0, wire.NumSpaces)
	for s := wire.Space(0); s < wire.NumSpaces; s++ {
		st := &a.spaces[s]
		r := UsageReport{Space: s, Chunks: len(st.chunks), Allocated: len(st.allocs)}
		for i, c := range st.chunks {
			r.Reserved += len(c.Data)
			switch {
			case s == wire.SpaceLarge:
				if i < st.current {
					r.Used += len(c.Data)
				}
			case i < st.current:
				r.Used += len(c.Data)
			case i == st.current:
				r.Used += st.offset
			}
		}
		out = append(out, r)
	}
	return out
}
