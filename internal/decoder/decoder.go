// Package decoder materializes a heap-snapshot byte stream into live
// objects: the opcode interpreter, the deferred-object pass that breaks
// reference cycles, relocation patching for executable objects, and the
// per-kind post-processing fixups.
package decoder

import (
	"fmt"

	"go.uber.org/zap"

	"heapthaw/internal/bytestream"
	"heapthaw/internal/heap"
	"heapthaw/internal/region"
	"heapthaw/internal/wire"
)

// Deserializer decodes one snapshot into one heap. All allocation state
// lives here and in the region allocator; no process-wide singletons, so
// independent sessions never observe each other.
type Deserializer struct {
	source *bytestream.Stream
	heap   *heap.Heap
	alloc  *region.Allocator
	hot    hotCache
	opts   Options

	attached []heap.Address

	rootCount int

	// Off-heap backing stores restored so far, addressed by the
	// placeholder indexes typed arrays and array buffers carry until
	// fix-up.
	stores []*heap.BackingStore

	// Deferred records: objects whose body-fill was suspended, each
	// consumed exactly once by the deferred pass.
	deferred map[heap.Address]wire.Space

	// Post-processing side lists, drained after all passes.
	newShapes          []heap.Address
	newCodeObjects     []heap.Address
	newScripts         []heap.Address
	newInternedStrings []heap.Address
	newAllocationSites []heap.Address
	accessorInfos      []heap.Address
	callHandlerInfos   []heap.Address
	toRehash           []heap.Address

	// Reusable one-slot scratch for standalone object reads (repeats,
	// relocation operands).
	scratch heap.Address
}

// New parses the snapshot header, declares the region reservations and
// returns a deserializer ready to run. attached is the optional
// embedder-supplied attached-reference table.
func New(h *heap.Heap, data []byte, attached []heap.Address, opts Options) (*Deserializer, error) {
	s := bytestream.New(data)
	magic, err := s.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated header: %v", ErrFormat, err)
	}
	if magic != wire.Magic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrFormat, magic)
	}
	rootCount, err := s.GetInt()
	if err != nil {
		return nil, fmt.Errorf("%w: root count: %v", ErrFormat, err)
	}

	var res wire.Reservations
	for sp := wire.Space(0); sp < wire.NumSpaces; sp++ {
		n, err := s.GetInt()
		if err != nil {
			return nil, fmt.Errorf("%w: %s reservation count: %v", ErrFormat, sp, err)
		}
		for i := 0; i < n; i++ {
			size, err := s.GetInt()
			if err != nil {
				return nil, fmt.Errorf("%w: %s chunk %d size: %v", ErrFormat, sp, i, err)
			}
			res[sp] = append(res[sp], size)
		}
	}

	alloc := region.New(h)
	if err := alloc.DeclareReservations(res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExhausted, err)
	}

	return &Deserializer{
		source:    s,
		heap:      h,
		alloc:     alloc,
		opts:      opts,
		attached:  attached,
		rootCount: rootCount,
		deferred:  make(map[heap.Address]wire.Space),
	}, nil
}

// Deserialize decodes data into h in one call and returns the
// materialized root references. Any error abandons the attempt; the
// caller's remedy is building the heap from scratch, not retrying.
func Deserialize(h *heap.Heap, data []byte, attached []heap.Address, opts Options) ([]heap.Ref, error) {
	d, err := New(h, data, attached, opts)
	if err != nil {
		return nil, err
	}
	return d.Run()
}

// Run executes the root pass, the deferred pass, post-pass logging and
// rehashing, and the teardown consistency checks.
func (d *Deserializer) Run() ([]heap.Ref, error) {
	roots := d.heap.NewScratch(d.rootCount)
	limit := roots + heap.Address(d.rootCount*wire.WordSize)

	// Root writes land outside the heap proper, so the young space is
	// passed to suppress write barriers.
	filled, err := d.readData(roots, limit, wire.SpaceYoung, 0)
	if err != nil {
		return nil, err
	}
	if !filled {
		return nil, fmt.Errorf("%w: deferred marker in root pass", ErrFormat)
	}
	if err := d.expectSynchronize(); err != nil {
		return nil, err
	}

	if err := d.deserializeDeferredObjects(); err != nil {
		return nil, err
	}
	if len(d.deferred) != 0 {
		return nil, fmt.Errorf("%w: %d deferred objects never filled", ErrFormat, len(d.deferred))
	}

	d.logNewObjectEvents()
	if d.opts.Rehash || d.opts.UserCode {
		if err := d.rehash(); err != nil {
			return nil, err
		}
	}

	// Only padding may remain, and every reservation must be exactly
	// consumed.
	for d.source.HasMore() {
		b, _ := d.source.Get()
		if b != wire.OpNop {
			return nil, fmt.Errorf("%w: trailing opcode 0x%02x at offset %d", ErrFormat, b, d.source.Position()-1)
		}
	}
	if !d.alloc.ReservationsFullyUsed() {
		return nil, fmt.Errorf("%w: region reservations not fully used", ErrFormat)
	}

	out := make([]heap.Ref, d.rootCount)
	for i := range out {
		r, err := d.heap.RefAt(roots + heap.Address(i*wire.WordSize))
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// expectSynchronize consumes the pass separator the serializer emitted
// at the same point; anything else means producer and consumer disagree
// about the root count.
func (d *Deserializer) expectSynchronize() error {
	b, err := d.source.Get()
	if err != nil {
		return fmt.Errorf("%w: missing synchronize: %v", ErrFormat, err)
	}
	if b != wire.OpSynchronize {
		return fmt.Errorf("%w: expected synchronize, got 0x%02x at offset %d", ErrFormat, b, d.source.Position()-1)
	}
	return nil
}

func (d *Deserializer) rehash() error {
	for _, obj := range d.toRehash {
		if err := d.heap.Rehash(obj); err != nil {
			return fmt.Errorf("%w: %v", ErrFormat, err)
		}
	}
	return nil
}

func (d *Deserializer) logNewObjectEvents() {
	log := Logger()
	for _, code := range d.newCodeObjects {
		size, err := d.heap.CodeInstrSize(code)
		if err != nil {
			continue
		}
		log.Info("code object deserialized",
			zap.Uint64("address", uint64(code)),
			zap.Int("instruction_bytes", size))
	}
	if d.opts.TraceShapes {
		for _, shape := range d.newShapes {
			log.Info("shape descriptor deserialized",
				zap.Uint64("address", uint64(shape)))
		}
	}
}

// Allocator exposes per-region usage for diagnostics.
func (d *Deserializer) Allocator() *region.Allocator { return d.alloc }

// NewScripts returns script objects materialized by this session.
func (d *Deserializer) NewScripts() []heap.Address { return d.newScripts }

// NewCodeObjects returns the collected executable objects.
func (d *Deserializer) NewCodeObjects() []heap.Address { return d.newCodeObjects }

// NewShapes returns shape descriptors collected under TraceShapes.
func (d *Deserializer) NewShapes() []heap.Address { return d.newShapes }

// NewInternedStrings returns strings this session made canonical.
func (d *Deserializer) NewInternedStrings() []heap.Address { return d.newInternedStrings }

// NewAllocationSites returns allocation sites awaiting deferred linking.
func (d *Deserializer) NewAllocationSites() []heap.Address { return d.newAllocationSites }

// BackingStores returns the off-heap buffers restored from the stream.
func (d *Deserializer) BackingStores() []*heap.BackingStore { return d.stores }

// AccessorInfos returns accessor descriptors collected under
// CollectSideInfo.
func (d *Deserializer) AccessorInfos() []heap.Address { return d.accessorInfos }

// CallHandlerInfos returns call-handler descriptors collected under
// CollectSideInfo.
func (d *Deserializer) CallHandlerInfos() []heap.Address { return d.callHandlerInfos }
