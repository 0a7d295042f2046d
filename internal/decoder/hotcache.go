package decoder

import (
	"heapthaw/internal/heap"
	"heapthaw/internal/wire"
)

// hotCache is the fixed ring of most recently resolved objects, giving
// repeated references a single-byte encoding. Indexes are only produced
// by the encoder alongside an earlier Add in stream order, so Get never
// observes an unwritten slot in a well-formed stream.
type hotCache struct {
	ring [wire.NumHotObjects]heap.Address
	next int
}

func (c *hotCache) Add(obj heap.Address) {
	c.ring[c.next] = obj
	c.next = (c.next + 1) % len(c.ring)
}

func (c *hotCache) Get(index int) heap.Address {
	return c.ring[index&wire.HotObjectMask]
}
