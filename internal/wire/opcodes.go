// Package wire defines the snapshot byte-stream format: the opcode table
// the materializer interprets, the snapshot header layout, and a builder
// for producing conforming streams.
package wire

import "fmt"

// Space identifies an allocation region. Space ids are encoded into the
// low bits of the per-space opcode forms, so the values are wire format.
type Space int

const (
	SpaceYoung Space = iota
	SpaceOld
	SpaceCode
	SpaceShape
	SpaceLarge
	SpaceReadOnly

	NumSpaces = 6
)

// SpaceMask extracts the space id from a per-space opcode byte.
const SpaceMask = 0x07

func (s Space) String() string {
	switch s {
	case SpaceYoung:
		return "young"
	case SpaceOld:
		return "old"
	case SpaceCode:
		return "code"
	case SpaceShape:
		return "shape"
	case SpaceLarge:
		return "large"
	case SpaceReadOnly:
		return "readonly"
	}
	return fmt.Sprintf("space(%d)", int(s))
}

// Valid reports whether s names one of the six allocation regions.
func (s Space) Valid() bool { return s >= SpaceYoung && s < NumSpaces }

// Magic identifies a snapshot blob. Little-endian "THAW".
const Magic uint32 = 0x57414854

// Opcode bytes. Per-space families occupy a contiguous run of NumSpaces
// values; compact families encode a small parameter in their low bits.
const (
	// Allocate a new object in the encoded space and write a reference
	// to it into the current slot. Operand: size in words (varint).
	OpNewObject = 0x00 // .. 0x05

	// Resolve a previously allocated object in the encoded space and
	// write a reference to it. Operand: back-reference index (varint),
	// or chunk+offset varint pair for the read-only and large spaces.
	OpBackref = 0x08 // .. 0x0d

	OpRootArray         = 0x10 // root table entry, varint index
	OpStartupCache      = 0x11 // startup-object cache, varint index
	OpReadOnlyCache     = 0x12 // read-only-object cache, varint index
	OpAttachedReference = 0x13 // embedder-attached object, varint index
	OpExternalReference = 0x14 // external-reference table, varint id
	OpAPIReference      = 0x15 // embedder API-reference table, varint id

	OpOffHeapBackingStore = 0x16 // varint byte length + raw bytes
	OpNop                 = 0x17 // padding, no action
	OpSynchronize         = 0x18 // pass separator, root-level only
	OpDeferred            = 0x19 // suspend body-fill of current object
	OpNextChunk           = 0x1a // advance region cursor, space byte operand
	OpVariableRawData     = 0x1b // varint byte count + raw bytes
	OpVariableRawCode     = 0x1c // varint byte count + raw code payload
	OpVariableRepeat      = 0x1d // varint repeat count + one object ref
	OpClearedWeakRef      = 0x1e // write the cleared weak sentinel
	OpWeakPrefix          = 0x1f // next reference is weak

	// Alignment prefixes: consumed by the next allocation only.
	OpAlignmentPrefix = 0x20 // .. 0x22

	// Legal only while replaying relocation entries.
	OpInternalReference        = 0x23
	OpInternalReferenceEncoded = 0x24
	OpOffHeapTarget            = 0x25

	// Compact single-byte families.
	OpRootArrayConstant = 0x40 // .. 0x5f, 32 well-known roots
	OpHotObject         = 0x60 // .. 0x67, hot-object cache index
	OpFixedRawData      = 0x80 // .. 0x9f, 1..32 words of raw data
	OpFixedRepeat       = 0xa0 // .. 0xaf, repeat count 1..16
)

const (
	NumRootArrayConstants = 32
	RootArrayConstantMask = 0x1f

	NumHotObjects = 8
	HotObjectMask = 0x07

	NumFixedRawData  = 32
	FixedRawDataMask = 0x1f

	NumFixedRepeat  = 16
	FixedRepeatMask = 0x0f
)

// WordSize is the slot width. All object sizes and fixed raw data counts
// on the wire are in words.
const (
	WordSize     = 8
	WordSizeLog2 = 3
)

// FixedRawDataWords returns the word count encoded in a fixed-raw-data
// opcode byte.
func FixedRawDataWords(op byte) int { return int(op&FixedRawDataMask) + 1 }

// FixedRepeatCount returns the repeat count encoded in a fixed-repeat
// opcode byte.
func FixedRepeatCount(op byte) int { return int(op&FixedRepeatMask) + 1 }

// Alignment is the single-shot allocation alignment selected by an
// alignment-prefix opcode.
type Alignment int

const (
	AlignWord Alignment = iota // default: word alignment only
	AlignDouble
	AlignDoubleUnaligned
	AlignCode
)

// AlignmentFromOpcode decodes an alignment-prefix byte.
func AlignmentFromOpcode(op byte) Alignment {
	return Alignment(op-OpAlignmentPrefix) + AlignDouble
}

// IsNewObject reports whether op is a new-object form, returning its space.
func IsNewObject(op byte) (Space, bool) {
	if op >= OpNewObject && op < OpNewObject+NumSpaces {
		return Space(op & SpaceMask), true
	}
	return 0, false
}

// IsBackref reports whether op is a back-reference form, returning its space.
func IsBackref(op byte) (Space, bool) {
	if op >= OpBackref && op < OpBackref+NumSpaces {
		return Space(op & SpaceMask), true
	}
	return 0, false
}

// RelocKind identifies one relocation entry attached to a code object.
type RelocKind uint8

const (
	RelocCodeTarget RelocKind = iota
	RelocEmbeddedObject
	RelocExternalReference
	RelocInternalReference
	RelocOffHeapTarget

	numRelocKinds
)

func (k RelocKind) String() string {
	switch k {
	case RelocCodeTarget:
		return "code-target"
	case RelocEmbeddedObject:
		return "embedded-object"
	case RelocExternalReference:
		return "external-reference"
	case RelocInternalReference:
		return "internal-reference"
	case RelocOffHeapTarget:
		return "off-heap-target"
	}
	return fmt.Sprintf("reloc(%d)", uint8(k))
}

// ValidRelocKind reports whether k names a known relocation kind.
func ValidRelocKind(k RelocKind) bool { return k < numRelocKinds }

// Reloc table encoding, appended to a code object's raw payload after the
// instruction bytes: varint entry count, then per entry one kind byte
// (bit 3 = specially-coded branch operand) and a varint instruction offset.
const RelocCodedSpeciallyBit = 0x08
