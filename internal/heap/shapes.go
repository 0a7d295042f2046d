package heap

import (
	"fmt"

	"heapthaw/internal/wire"
)

// Kind is the closed set of shape-descriptor kinds the decoder's
// post-processing dispatches on. Kind values appear in serialized shape
// payloads, so they are stable wire values.
type Kind uint8

const (
	KindFiller Kind = iota // temporary tag for deferred objects
	KindShape              // shape descriptor
	KindPlain              // ordinary object, tagged slots only
	KindString
	KindInternalizedString
	KindThinString // forwarded string, slot holds the canonical target
	KindExternalString
	KindNativeSourceString
	KindScript
	KindAllocationSite
	KindCode
	KindTypedArray
	KindArrayBuffer
	KindBytecode
	KindDescriptorTable
	KindHashTable
	KindAccessorInfo
	KindCallHandlerInfo

	numKinds
)

var kindNames = [...]string{
	"filler", "shape", "plain", "string", "internalized-string",
	"thin-string", "external-string", "native-source-string", "script",
	"allocation-site", "code", "typed-array", "array-buffer", "bytecode",
	"descriptor-table", "hash-table", "accessor-info", "call-handler-info",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsString reports whether k is any string kind.
func (k Kind) IsString() bool {
	switch k {
	case KindString, KindInternalizedString, KindThinString,
		KindExternalString, KindNativeSourceString:
		return true
	}
	return false
}

// NeedsRehash reports whether objects of kind k have hash-dependent
// internal layout.
func (k Kind) NeedsRehash() bool { return k == KindHashTable }

// Shape descriptor layout, in words from the object base. A shape is
// itself a heap object: slot 0 is its own shape reference (the meta
// shape), slot 1 the kind tag.
const (
	ShapeKindSlot  = 1
	ShapeSizeWords = 2
)

// ShapeOf returns the address of an object's shape descriptor.
func (h *Heap) ShapeOf(obj Address) (Address, error) {
	r, err := h.RefAt(obj)
	if err != nil {
		return 0, err
	}
	return r.Address(), nil
}

// KindOf returns the shape kind of an object.
func (h *Heap) KindOf(obj Address) (Kind, error) {
	shape, err := h.ShapeOf(obj)
	if err != nil {
		return 0, err
	}
	w, err := h.Word(shape + ShapeKindSlot*wire.WordSize)
	if err != nil {
		return 0, err
	}
	if w >= uint64(numKinds) {
		return 0, fmt.Errorf("heap: object 0x%x has invalid shape kind %d", uint64(obj), w)
	}
	return Kind(w), nil
}

// SetShapeKind overwrites a shape descriptor's kind tag. Used to mark a
// deferred shape with the filler kind until its body arrives.
func (h *Heap) SetShapeKind(shape Address, k Kind) error {
	return h.PutWord(shape+ShapeKindSlot*wire.WordSize, uint64(k))
}

// MetaShape returns the heap's shared shape-of-shapes, creating it on
// first use. It is the one shape that describes itself, so KindOf on any
// shape descriptor reports KindShape.
func (h *Heap) MetaShape() Address {
	if h.metaShape == 0 {
		c := h.AddChunk(wire.SpaceShape, ShapeSizeWords*wire.WordSize)
		h.metaShape = c.Base
		_ = h.PutRef(h.metaShape, Strong(h.metaShape))
		_ = h.PutWord(h.metaShape+ShapeKindSlot*wire.WordSize, uint64(KindShape))
	}
	return h.metaShape
}

// NewHostObject pre-seeds a host object outside the deserialization
// stream: a shape of the given kind in the shape region and an object of
// sizeWords pointing at it, in the given space. Hosts use this to build
// the root table and caches a snapshot refers back into.
func (h *Heap) NewHostObject(space wire.Space, k Kind, sizeWords int) Address {
	shapeChunk := h.AddChunk(wire.SpaceShape, ShapeSizeWords*wire.WordSize)
	shape := shapeChunk.Base
	_ = h.PutRef(shape, Strong(h.MetaShape()))
	_ = h.PutWord(shape+ShapeKindSlot*wire.WordSize, uint64(k))

	objChunk := h.AddChunk(space, sizeWords*wire.WordSize)
	obj := objChunk.Base
	_ = h.PutRef(obj, Strong(shape))
	return obj
}
