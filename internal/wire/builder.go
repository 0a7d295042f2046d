package wire

import "encoding/binary"

// Reservations declares, per space, the byte sizes of the backing chunks
// the snapshot expects the allocator to provide. Every chunk must be
// fully consumed by the end of deserialization.
type Reservations [NumSpaces][]int

// Total returns the summed reservation for one space.
func (r Reservations) Total(s Space) int {
	total := 0
	for _, c := range r[s] {
		total += c
	}
	return total
}

// Builder assembles a snapshot byte stream. It is the producer side of
// the format, used by tests and by the sample generator; the serializer
// proper lives in the host runtime.
type Builder struct {
	buf []byte
}

// NewBuilder returns an empty stream builder.
func NewBuilder() *Builder { return &Builder{} }

// Bytes returns the assembled stream.
func (b *Builder) Bytes() []byte { return b.buf }

func (b *Builder) op(code byte) *Builder {
	b.buf = append(b.buf, code)
	return b
}

// Uint appends a variable-length unsigned integer.
func (b *Builder) Uint(v uint64) *Builder {
	for v > byteMask {
		b.buf = append(b.buf, byte(v&byteMask))
		v >>= dataBitsPerByte
	}
	b.buf = append(b.buf, byte(v)+endByteMarker)
	return b
}

const (
	dataBitsPerByte = 7
	byteMask        = (1 << dataBitsPerByte) - 1
	endByteMarker   = byteMask + 1
)

// Header appends the snapshot header: magic, root slot count, and the
// per-space reservation table.
func (b *Builder) Header(rootCount int, res Reservations) *Builder {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, Magic)
	b.Uint(uint64(rootCount))
	for s := Space(0); s < NumSpaces; s++ {
		b.Uint(uint64(len(res[s])))
		for _, size := range res[s] {
			b.Uint(uint64(size))
		}
	}
	return b
}

// NewObject appends a new-object opcode. sizeWords is the object size in
// words, header slot included.
func (b *Builder) NewObject(s Space, sizeWords int) *Builder {
	return b.op(OpNewObject + byte(s)).Uint(uint64(sizeWords))
}

// Backref appends a back-reference by allocation order index.
func (b *Builder) Backref(s Space, index int) *Builder {
	return b.op(OpBackref + byte(s)).Uint(uint64(index))
}

// BackrefChunk appends a chunk/offset back-reference (read-only and
// large spaces).
func (b *Builder) BackrefChunk(s Space, chunk, offset int) *Builder {
	return b.op(OpBackref + byte(s)).Uint(uint64(chunk)).Uint(uint64(offset))
}

// RootArray appends a root-table reference by index.
func (b *Builder) RootArray(index int) *Builder {
	return b.op(OpRootArray).Uint(uint64(index))
}

// RootConstant appends the compact single-byte form for the first 32 roots.
func (b *Builder) RootConstant(index int) *Builder {
	return b.op(OpRootArrayConstant + byte(index&RootArrayConstantMask))
}

// StartupCache appends a startup-object-cache reference.
func (b *Builder) StartupCache(index int) *Builder {
	return b.op(OpStartupCache).Uint(uint64(index))
}

// ReadOnlyCache appends a read-only-object-cache reference.
func (b *Builder) ReadOnlyCache(index int) *Builder {
	return b.op(OpReadOnlyCache).Uint(uint64(index))
}

// Attached appends an attached-reference by index.
func (b *Builder) Attached(index int) *Builder {
	return b.op(OpAttachedReference).Uint(uint64(index))
}

// ExternalRef appends an external-reference-table id.
func (b *Builder) ExternalRef(id int) *Builder {
	return b.op(OpExternalReference).Uint(uint64(id))
}

// APIRef appends an embedder API-reference id.
func (b *Builder) APIRef(id int) *Builder {
	return b.op(OpAPIReference).Uint(uint64(id))
}

// HotObject appends a hot-object-cache reference, index 0..7.
func (b *Builder) HotObject(index int) *Builder {
	return b.op(OpHotObject + byte(index&HotObjectMask))
}

// RawWords appends word payload, using the compact fixed form when the
// count fits.
func (b *Builder) RawWords(words ...uint64) *Builder {
	if n := len(words); n >= 1 && n <= NumFixedRawData {
		b.op(OpFixedRawData + byte(n-1))
	} else {
		b.op(OpVariableRawData).Uint(uint64(n * WordSize))
	}
	for _, w := range words {
		b.buf = binary.LittleEndian.AppendUint64(b.buf, w)
	}
	return b
}

// RawBytes appends variable-length byte payload.
func (b *Builder) RawBytes(data []byte) *Builder {
	b.op(OpVariableRawData).Uint(uint64(len(data)))
	b.buf = append(b.buf, data...)
	return b
}

// RawCode appends a code payload (instruction bytes plus reloc table,
// already concatenated and word-padded).
func (b *Builder) RawCode(payload []byte) *Builder {
	b.op(OpVariableRawCode).Uint(uint64(len(payload)))
	b.buf = append(b.buf, payload...)
	return b
}

// Repeat appends a repeat opcode. The caller appends the single object
// reference to be repeated immediately after.
func (b *Builder) Repeat(count int) *Builder {
	if count >= 1 && count <= NumFixedRepeat {
		return b.op(OpFixedRepeat + byte(count-1))
	}
	return b.op(OpVariableRepeat).Uint(uint64(count))
}

// OffHeapStore appends an off-heap backing store allocation.
func (b *Builder) OffHeapStore(data []byte) *Builder {
	b.op(OpOffHeapBackingStore).Uint(uint64(len(data)))
	b.buf = append(b.buf, data...)
	return b
}

// WeakPrefix marks the next reference as weak.
func (b *Builder) WeakPrefix() *Builder { return b.op(OpWeakPrefix) }

// ClearedWeak writes the cleared weak reference sentinel.
func (b *Builder) ClearedWeak() *Builder { return b.op(OpClearedWeakRef) }

// Align appends an alignment prefix for the next allocation.
func (b *Builder) Align(a Alignment) *Builder {
	return b.op(OpAlignmentPrefix + byte(a-AlignDouble))
}

// Deferred suspends body-fill of the current object.
func (b *Builder) Deferred() *Builder { return b.op(OpDeferred) }

// DeferredBody appends a deferred-pass record: the object is named by
// its allocation index in space, then sized, then its body slots follow.
func (b *Builder) DeferredBody(s Space, index, sizeWords int) *Builder {
	return b.op(OpNewObject + byte(s)).Uint(uint64(index)).Uint(uint64(sizeWords))
}

// Synchronize terminates a root-pointer pass.
func (b *Builder) Synchronize() *Builder { return b.op(OpSynchronize) }

// NextChunk advances a space to its next backing chunk.
func (b *Builder) NextChunk(s Space) *Builder {
	return b.op(OpNextChunk).op(byte(s))
}

// Nop appends n padding bytes.
func (b *Builder) Nop(n int) *Builder {
	for i := 0; i < n; i++ {
		b.op(OpNop)
	}
	return b
}

// InternalRef appends an internal-reference reloc operand: instruction
// offset and target offset relative to the code entry point.
func (b *Builder) InternalRef(pcOffset, targetOffset int, encoded bool) *Builder {
	code := byte(OpInternalReference)
	if encoded {
		code = OpInternalReferenceEncoded
	}
	return b.op(code).Uint(uint64(pcOffset)).Uint(uint64(targetOffset))
}

// OffHeapTarget appends an off-heap builtin target reloc operand.
func (b *Builder) OffHeapTarget(builtin int) *Builder {
	return b.op(OpOffHeapTarget).Uint(uint64(builtin))
}

// RelocTable encodes a code object's relocation entries in the order the
// patcher will replay them.
type RelocTable struct {
	buf     []byte
	entries int
}

// RelocEntry is one decoded relocation table entry.
type RelocEntry struct {
	Kind           RelocKind
	Offset         int // byte position within the instruction stream
	CodedSpecially bool
}

// Add appends one entry.
func (rt *RelocTable) Add(kind RelocKind, offset int, codedSpecially bool) *RelocTable {
	k := byte(kind)
	if codedSpecially {
		k |= RelocCodedSpeciallyBit
	}
	rt.buf = append(rt.buf, k)
	var tmp Builder
	tmp.Uint(uint64(offset))
	rt.buf = append(rt.buf, tmp.buf...)
	rt.entries++
	return rt
}

// Encode returns the serialized table: varint count then the entries.
func (rt *RelocTable) Encode() []byte {
	var hdr Builder
	hdr.Uint(uint64(rt.entries))
	return append(hdr.buf, rt.buf...)
}
