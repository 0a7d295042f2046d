package decoder_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heapthaw/internal/decoder"
	"heapthaw/internal/heap"
	"heapthaw/internal/wire"
)

// Root table layout shared by all tests. The shape roots sit in the
// root-constant range so object bodies can reference them with a single
// byte.
const (
	rootPlainShape = iota
	rootStringShape
	rootInternShape
	rootTableShape
	rootCodeShape
	rootTypedArrayShape
	rootBufferShape
	rootBytecodeShape
	rootDescriptorShape
	rootNativeShape
	rootScriptShape
	rootSiteShape
	rootExternalShape
	rootHostObject
)

type env struct {
	h        *heap.Heap
	attached []heap.Address
}

func newEnv(t *testing.T) *env {
	t.Helper()
	h := heap.New()
	kinds := []heap.Kind{
		heap.KindPlain, heap.KindString, heap.KindInternalizedString,
		heap.KindHashTable, heap.KindCode, heap.KindTypedArray,
		heap.KindArrayBuffer, heap.KindBytecode, heap.KindDescriptorTable,
		heap.KindNativeSourceString, heap.KindScript, heap.KindAllocationSite,
		heap.KindExternalString,
	}
	roots := make([]heap.Address, 0, len(kinds)+3)
	for _, k := range kinds {
		roots = append(roots, hostShape(t, h, k))
	}
	for i := 0; i < 3; i++ {
		roots = append(roots, h.NewHostObject(wire.SpaceOld, heap.KindPlain, 2))
	}
	h.SetRoots(roots)

	ext := make([]uint64, 8)
	for i := range ext {
		ext[i] = 0x7f000000 + uint64(i)*8
	}
	h.SetExternalRefs(ext)
	return &env{h: h}
}

// hostShape seeds a shape descriptor describing objects of kind k.
func hostShape(t *testing.T, h *heap.Heap, k heap.Kind) heap.Address {
	t.Helper()
	s := h.NewHostObject(wire.SpaceShape, heap.KindShape, heap.ShapeSizeWords)
	require.NoError(t, h.PutWord(heap.SlotAddress(s, heap.ShapeKindSlot), uint64(k)))
	return s
}

func (e *env) decode(t *testing.T, b *wire.Builder, opts decoder.Options) ([]heap.Ref, *decoder.Deserializer) {
	t.Helper()
	d, err := decoder.New(e.h, b.Bytes(), e.attached, opts)
	require.NoError(t, err)
	refs, err := d.Run()
	require.NoError(t, err)
	return refs, d
}

func (e *env) decodeErr(t *testing.T, b *wire.Builder, opts decoder.Options) error {
	t.Helper()
	d, err := decoder.New(e.h, b.Bytes(), e.attached, opts)
	if err != nil {
		return err
	}
	_, err = d.Run()
	require.Error(t, err)
	return err
}

func (e *env) word(t *testing.T, obj heap.Address, slot int) uint64 {
	t.Helper()
	w, err := e.h.Word(heap.SlotAddress(obj, slot))
	require.NoError(t, err)
	return w
}

func (e *env) ref(t *testing.T, obj heap.Address, slot int) heap.Ref {
	t.Helper()
	r, err := e.h.RefAt(heap.SlotAddress(obj, slot))
	require.NoError(t, err)
	return r
}

func young(sizes ...int) wire.Reservations {
	var res wire.Reservations
	res[wire.SpaceYoung] = sizes
	return res
}

func contentWord(s string) uint64 {
	var buf [8]byte
	copy(buf[:], s)
	return binary.LittleEndian.Uint64(buf[:])
}

func TestNewObjectAndBackref(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(2, young(16))
	b.NewObject(wire.SpaceYoung, 2).RootConstant(rootPlainShape).RawWords(0x2A)
	b.Backref(wire.SpaceYoung, 0)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	require.Len(t, refs, 2)
	obj := refs[0].Address()
	assert.Equal(t, obj, refs[1].Address())
	assert.False(t, refs[0].IsWeak())
	assert.True(t, e.h.InYoung(obj))

	k, err := e.h.KindOf(obj)
	require.NoError(t, err)
	assert.Equal(t, heap.KindPlain, k)
	assert.Equal(t, uint64(0x2A), e.word(t, obj, 1))
}

func TestDeserialize(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, young(16))
	b.NewObject(wire.SpaceYoung, 2).RootConstant(rootPlainShape).RawWords(0x2A)
	b.Synchronize().Synchronize()

	refs, err := decoder.Deserialize(e.h, b.Bytes(), nil, decoder.Options{})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, uint64(0x2A), e.word(t, refs[0].Address(), 1))

	_, err = decoder.Deserialize(heap.New(), []byte{0, 0, 0, 0}, nil, decoder.Options{})
	assert.ErrorIs(t, err, decoder.ErrFormat)
}

func TestBackrefEntersHotCache(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(3, young(16))
	b.NewObject(wire.SpaceYoung, 2).RootConstant(rootPlainShape).RawWords(1)
	b.Backref(wire.SpaceYoung, 0)
	b.HotObject(0)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	assert.Equal(t, refs[1].Address(), refs[2].Address())
}

func TestRootArrayEntersHotCache(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(2, wire.Reservations{})
	b.RootArray(rootHostObject)
	b.HotObject(0)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	root, err := e.h.Root(rootHostObject)
	require.NoError(t, err)
	assert.Equal(t, root, refs[0].Address())
	assert.Equal(t, root, refs[1].Address())
}

func TestWeakAndClearedReferences(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(3, wire.Reservations{})
	b.WeakPrefix().RootArray(rootHostObject)
	b.ClearedWeak()
	b.RootArray(rootHostObject)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	assert.True(t, refs[0].IsWeak())
	assert.False(t, refs[0].IsCleared())
	assert.True(t, refs[1].IsCleared())
	assert.False(t, refs[2].IsWeak())
	assert.Equal(t, refs[0].Address(), refs[2].Address())
}

func TestFixedRepeat(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, young(64))
	b.NewObject(wire.SpaceYoung, 8).RootConstant(rootPlainShape)
	b.Repeat(7).RootArray(rootHostObject)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	obj := refs[0].Address()
	root, _ := e.h.Root(rootHostObject)
	for i := 1; i < 8; i++ {
		assert.Equal(t, root, e.ref(t, obj, i).Address(), "slot %d", i)
	}
}

func TestVariableRepeat(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, young(19*8))
	b.NewObject(wire.SpaceYoung, 19).RootConstant(rootPlainShape).RawWords(5)
	b.Repeat(17).RootArray(rootHostObject)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	obj := refs[0].Address()
	root, _ := e.h.Root(rootHostObject)
	assert.Equal(t, uint64(5), e.word(t, obj, 1))
	for i := 2; i < 19; i++ {
		assert.Equal(t, root, e.ref(t, obj, i).Address(), "slot %d", i)
	}
}

func TestRepeatOfYoungObjectRejected(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(2, young(80))
	b.NewObject(wire.SpaceYoung, 2).RootConstant(rootPlainShape).RawWords(1)
	b.NewObject(wire.SpaceYoung, 8).RootConstant(rootPlainShape)
	b.Repeat(7).Backref(wire.SpaceYoung, 0)
	b.Synchronize().Synchronize()

	err := e.decodeErr(t, b, decoder.Options{})
	assert.ErrorIs(t, err, decoder.ErrFormat)
	assert.Contains(t, err.Error(), "young")
}

func TestDoubleWeakPrefixRejected(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, wire.Reservations{})
	b.WeakPrefix().WeakPrefix().RootArray(rootHostObject)
	b.Synchronize().Synchronize()

	assert.ErrorIs(t, e.decodeErr(t, b, decoder.Options{}), decoder.ErrFormat)
}

func TestWeakPrefixBeforeRawRejected(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, wire.Reservations{})
	b.WeakPrefix().RawWords(1)
	b.Synchronize().Synchronize()

	assert.ErrorIs(t, e.decodeErr(t, b, decoder.Options{}), decoder.ErrFormat)
}

func TestDeferredObjectCycle(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, young(24))
	b.NewObject(wire.SpaceYoung, 3).RootConstant(rootPlainShape).Deferred()
	b.Synchronize()
	b.DeferredBody(wire.SpaceYoung, 0, 3).Backref(wire.SpaceYoung, 0).RawWords(7)
	b.Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	obj := refs[0].Address()
	assert.Equal(t, obj, e.ref(t, obj, 1).Address(), "deferred fill must close the cycle")
	assert.Equal(t, uint64(7), e.word(t, obj, 2))
}

func TestDeferredObjectNeverFilledRejected(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, young(24))
	b.NewObject(wire.SpaceYoung, 3).RootConstant(rootPlainShape).Deferred()
	b.Synchronize().Synchronize()

	err := e.decodeErr(t, b, decoder.Options{})
	assert.ErrorIs(t, err, decoder.ErrFormat)
	assert.Contains(t, err.Error(), "deferred")
}

func TestDeferredNotAfterHeaderRejected(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, young(24))
	b.NewObject(wire.SpaceYoung, 3).RootConstant(rootPlainShape).RawWords(1).Deferred()
	b.Synchronize().Synchronize()

	assert.ErrorIs(t, e.decodeErr(t, b, decoder.Options{}), decoder.ErrFormat)
}

func internedString(b *wire.Builder, content string) {
	b.NewObject(wire.SpaceYoung, 4).RootConstant(rootInternShape)
	b.RawWords(0xdead, uint64(len(content)), contentWord(content))
}

func TestInternCanonicalization(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(3, young(64))
	internedString(b, "boot")
	internedString(b, "boot")
	b.Backref(wire.SpaceYoung, 1)
	b.Synchronize().Synchronize()

	refs, d := e.decode(t, b, decoder.Options{UserCode: true})
	canonical := refs[0].Address()
	assert.Equal(t, canonical, refs[1].Address(), "duplicate resolves to canonical")
	assert.Equal(t, canonical, refs[2].Address(), "backref follows forwarding")

	// Canonical string's cached hash was cleared for recomputation.
	assert.Equal(t, uint64(heap.EmptyHashField), e.word(t, canonical, heap.StringHashSlot))
	assert.Len(t, d.NewInternedStrings(), 1)

	// The duplicate allocation now forwards.
	dup, err := d.Allocator().BackRefByIndex(wire.SpaceYoung, 1)
	require.NoError(t, err)
	k, err := e.h.KindOf(dup)
	require.NoError(t, err)
	assert.Equal(t, heap.KindThinString, k)
	target, err := e.h.ThinTarget(dup)
	require.NoError(t, err)
	assert.Equal(t, canonical, target)
}

func TestMissingSynchronizeRejected(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, wire.Reservations{})
	b.RootArray(rootHostObject)
	b.Nop(1).Synchronize()

	err := e.decodeErr(t, b, decoder.Options{})
	assert.ErrorIs(t, err, decoder.ErrFormat)
	assert.Contains(t, err.Error(), "synchronize")
}

func TestSynchronizeInsideBodyRejected(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, young(16))
	b.NewObject(wire.SpaceYoung, 2).RootConstant(rootPlainShape).Synchronize()
	b.Synchronize().Synchronize()

	assert.ErrorIs(t, e.decodeErr(t, b, decoder.Options{}), decoder.ErrFormat)
}

func TestTrailingBytesRejected(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, wire.Reservations{})
	b.RootArray(rootHostObject)
	b.Synchronize().Synchronize()
	b.RootArray(0)

	err := e.decodeErr(t, b, decoder.Options{})
	assert.ErrorIs(t, err, decoder.ErrFormat)
	assert.Contains(t, err.Error(), "trailing")
}

func TestNopPaddingAccepted(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, wire.Reservations{})
	b.RootArray(rootHostObject)
	b.Synchronize().Synchronize().Nop(3)

	refs, _ := e.decode(t, b, decoder.Options{})
	assert.Len(t, refs, 1)
}

func TestReservationSlackRejected(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, young(32))
	b.NewObject(wire.SpaceYoung, 2).RootConstant(rootPlainShape).RawWords(1)
	b.Synchronize().Synchronize()

	err := e.decodeErr(t, b, decoder.Options{})
	assert.ErrorIs(t, err, decoder.ErrFormat)
	assert.Contains(t, err.Error(), "fully used")
}

func TestBadMagicRejected(t *testing.T) {
	e := newEnv(t)
	_, err := decoder.New(e.h, []byte{1, 2, 3, 4, 5, 6, 7, 8}, nil, decoder.Options{})
	assert.ErrorIs(t, err, decoder.ErrFormat)
}

func TestBackrefBeforeAllocationRejected(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, wire.Reservations{})
	b.Backref(wire.SpaceYoung, 0)
	b.Synchronize().Synchronize()

	assert.ErrorIs(t, e.decodeErr(t, b, decoder.Options{}), decoder.ErrFormat)
}

func TestAPIReferenceWithoutTableRejected(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, wire.Reservations{})
	b.APIRef(0)
	b.Synchronize().Synchronize()

	assert.ErrorIs(t, e.decodeErr(t, b, decoder.Options{}), decoder.ErrConfig)
}

func TestAPIAndExternalReferences(t *testing.T) {
	e := newEnv(t)
	e.h.SetAPIRefs([]uint64{0xAB0})
	b := wire.NewBuilder().Header(2, wire.Reservations{})
	b.APIRef(0)
	b.ExternalRef(2)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	assert.Equal(t, heap.Ref(0xAB0), refs[0])
	assert.Equal(t, heap.Ref(0x7f000010), refs[1])
}

func TestInternalReferenceOutsideCodeRejected(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, wire.Reservations{})
	b.InternalRef(0, 4, false)
	b.Synchronize().Synchronize()

	assert.ErrorIs(t, e.decodeErr(t, b, decoder.Options{}), decoder.ErrUnreachable)
}

func TestArrayBufferBackingStoreRelink(t *testing.T) {
	e := newEnv(t)
	payload := []byte{0xAA, 0xBB, 0xCC}
	b := wire.NewBuilder().Header(1, young(24))
	b.OffHeapStore(payload)
	b.NewObject(wire.SpaceYoung, 3).RootConstant(rootBufferShape).RawWords(1, 3)
	b.Synchronize().Synchronize()

	refs, d := e.decode(t, b, decoder.Options{})
	require.Len(t, d.BackingStores(), 1)
	store := d.BackingStores()[0]
	assert.Equal(t, payload, store.Data)

	obj := refs[0].Address()
	assert.Equal(t, uint64(store.Base), e.word(t, obj, heap.ArrayBufferStoreSlot))
	assert.Equal(t, int64(len(payload)), e.h.ExternalMemory())
}

func TestTypedArrayBackingStoreRelink(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, young(32))
	b.OffHeapStore([]byte{1, 2, 3, 4})
	b.NewObject(wire.SpaceYoung, 4).RootConstant(rootTypedArrayShape).RawWords(1, 2, 4)
	b.Synchronize().Synchronize()

	refs, d := e.decode(t, b, decoder.Options{})
	store := d.BackingStores()[0]
	obj := refs[0].Address()
	assert.Equal(t, uint64(store.Base)+2, e.word(t, obj, heap.TypedArrayStoreSlot))
}

func TestTypedArrayWithoutStore(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, young(32))
	b.NewObject(wire.SpaceYoung, 4).RootConstant(rootTypedArrayShape).RawWords(0, 0, 0)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	assert.Zero(t, e.word(t, refs[0].Address(), heap.TypedArrayStoreSlot))
}

func TestRehashOption(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, young(32))
	b.NewObject(wire.SpaceYoung, 4).RootConstant(rootTableShape).RawWords(0, 1, 0x1234)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{Rehash: true})
	obj := refs[0].Address()
	got := e.word(t, obj, heap.HashTableHashSlot)
	assert.NotZero(t, got)

	// Rehashing again from the same entries reproduces the value.
	require.NoError(t, e.h.Rehash(obj))
	assert.Equal(t, got, e.word(t, obj, heap.HashTableHashSlot))
}

func TestBytecodeCountersReset(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, young(24))
	b.NewObject(wire.SpaceYoung, 3).RootConstant(rootBytecodeShape).RawWords(0xFFFF, 0x7)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	obj := refs[0].Address()
	assert.Equal(t, uint64(heap.DefaultInterruptBudget), e.word(t, obj, heap.BytecodeBudgetSlot))
	assert.Zero(t, e.word(t, obj, heap.BytecodeOSRSlot))
}

func TestDescriptorTableMarkedCountReset(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, young(16))
	b.NewObject(wire.SpaceYoung, 2).RootConstant(rootDescriptorShape).RawWords(5)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	assert.Zero(t, e.word(t, refs[0].Address(), heap.DescriptorMarkedSlot))
}

func TestNativeSourceStringResolution(t *testing.T) {
	e := newEnv(t)
	e.h.SetNativeSources([][]byte{{'h', 0, 'i', 0}})
	b := wire.NewBuilder().Header(1, young(32))
	b.NewObject(wire.SpaceYoung, 4).RootConstant(rootNativeShape).RawWords(0, 2, 0)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	obj := refs[0].Address()
	addr := heap.Address(e.word(t, obj, heap.ExternalResourceSlot))
	text, err := e.h.Bytes(addr, 2)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(text))
	assert.Len(t, e.h.ExternalStrings(), 1)
}

func TestAllocationSiteWeakChain(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(2, young(32))
	b.NewObject(wire.SpaceYoung, 2).RootConstant(rootSiteShape).RawWords(0)
	b.NewObject(wire.SpaceYoung, 2).RootConstant(rootSiteShape).RawWords(0)
	b.Synchronize().Synchronize()

	refs, d := e.decode(t, b, decoder.Options{})
	require.Len(t, d.NewAllocationSites(), 2)
	first := refs[0].Address()
	second := refs[1].Address()
	assert.True(t, e.ref(t, first, heap.AllocSiteWeakNextSlot).IsCleared())
	next := e.ref(t, second, heap.AllocSiteWeakNextSlot)
	assert.True(t, next.IsWeak())
	assert.Equal(t, first, next.Address())
}

func TestScriptGetsFreshID(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(1, young(16))
	b.NewObject(wire.SpaceYoung, 2).RootConstant(rootScriptShape).RawWords(0x99)
	b.Synchronize().Synchronize()

	refs, d := e.decode(t, b, decoder.Options{UserCode: true})
	assert.Equal(t, uint64(1), e.word(t, refs[0].Address(), heap.ScriptIDSlot))
	assert.Len(t, d.NewScripts(), 1)
}

func TestAttachedReferences(t *testing.T) {
	e := newEnv(t)
	host := e.h.NewHostObject(wire.SpaceOld, heap.KindPlain, 2)
	e.attached = []heap.Address{host}

	b := wire.NewBuilder().Header(1, wire.Reservations{})
	b.Attached(0)
	b.Synchronize().Synchronize()
	refs, _ := e.decode(t, b, decoder.Options{})
	assert.Equal(t, host, refs[0].Address())

	b2 := wire.NewBuilder().Header(1, wire.Reservations{})
	b2.Attached(1)
	b2.Synchronize().Synchronize()
	assert.ErrorIs(t, e.decodeErr(t, b2, decoder.Options{}), decoder.ErrFormat)
}

func TestObjectCaches(t *testing.T) {
	e := newEnv(t)
	a := e.h.NewHostObject(wire.SpaceOld, heap.KindPlain, 2)
	roChunk := e.h.AddChunk(wire.SpaceReadOnly, 16)
	e.h.SetStartupCache([]heap.Address{a})
	e.h.SetReadOnlyCache([]heap.Address{roChunk.Base})

	b := wire.NewBuilder().Header(2, wire.Reservations{})
	b.StartupCache(0)
	b.ReadOnlyCache(0)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	assert.Equal(t, a, refs[0].Address())
	assert.Equal(t, roChunk.Base, refs[1].Address())
}

func TestOldToYoungWriteBarrier(t *testing.T) {
	e := newEnv(t)
	var res wire.Reservations
	res[wire.SpaceOld] = []int{16}
	res[wire.SpaceYoung] = []int{16}

	b := wire.NewBuilder().Header(1, res)
	b.NewObject(wire.SpaceOld, 2).RootConstant(rootPlainShape)
	b.NewObject(wire.SpaceYoung, 2).RootConstant(rootPlainShape).RawWords(1)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	old := refs[0].Address()
	rs := e.h.RememberedSet()
	require.Len(t, rs, 1, "exactly the old-to-young slot is remembered")
	assert.Equal(t, old, rs[0].Host)
	assert.Equal(t, heap.SlotAddress(old, 1), rs[0].Slot)
}

func TestNextChunkAdvancesRegion(t *testing.T) {
	e := newEnv(t)
	b := wire.NewBuilder().Header(2, young(16, 16))
	b.NewObject(wire.SpaceYoung, 2).RootConstant(rootPlainShape).RawWords(1)
	b.NextChunk(wire.SpaceYoung)
	b.NewObject(wire.SpaceYoung, 2).RootConstant(rootPlainShape).RawWords(2)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	assert.NotEqual(t, refs[0].Address(), refs[1].Address())
	assert.Equal(t, uint64(2), e.word(t, refs[1].Address(), 1))
}

func TestAlignmentPrefixInStream(t *testing.T) {
	e := newEnv(t)
	var res wire.Reservations
	res[wire.SpaceOld] = []int{40}

	b := wire.NewBuilder().Header(2, res)
	b.NewObject(wire.SpaceOld, 2).RootConstant(rootPlainShape).RawWords(1)
	b.Align(wire.AlignDoubleUnaligned)
	b.NewObject(wire.SpaceOld, 2).RootConstant(rootPlainShape).RawWords(2)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	assert.Equal(t, uint64(8), uint64(refs[1].Address())%16)
}

func TestLargeSpaceChunkBackref(t *testing.T) {
	e := newEnv(t)
	var res wire.Reservations
	res[wire.SpaceLarge] = []int{32}

	b := wire.NewBuilder().Header(2, res)
	b.NewObject(wire.SpaceLarge, 4).RootConstant(rootPlainShape).RawWords(1, 2, 3)
	b.BackrefChunk(wire.SpaceLarge, 0, 0)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	assert.Equal(t, refs[0].Address(), refs[1].Address())
}

func TestReadOnlySpaceChunkBackref(t *testing.T) {
	e := newEnv(t)
	var res wire.Reservations
	res[wire.SpaceReadOnly] = []int{16}

	b := wire.NewBuilder().Header(2, res)
	b.NewObject(wire.SpaceReadOnly, 2).RootConstant(rootPlainShape).RawWords(9)
	b.BackrefChunk(wire.SpaceReadOnly, 0, 0)
	b.Synchronize().Synchronize()

	refs, _ := e.decode(t, b, decoder.Options{})
	assert.Equal(t, refs[0].Address(), refs[1].Address())
	assert.Equal(t, uint64(9), e.word(t, refs[0].Address(), 1))
}
