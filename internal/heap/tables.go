package heap

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEmbedderRefs distinguishes a caller configuration error (the
	// snapshot needs an embedder table that was never supplied) from a
	// corrupt stream.
	ErrNoEmbedderRefs = errors.New("heap: no embedder references provided")

	ErrTableIndex = errors.New("heap: table index out of range")
)

// SetRoots installs the host's fixed root table.
func (h *Heap) SetRoots(roots []Address) { h.roots = roots }

// Root resolves a root-table entry by index.
func (h *Heap) Root(i int) (Address, error) {
	if i < 0 || i >= len(h.roots) {
		return 0, fmt.Errorf("%w: root %d of %d", ErrTableIndex, i, len(h.roots))
	}
	return h.roots[i], nil
}

// SetStartupCache installs the partial/startup object cache.
func (h *Heap) SetStartupCache(objs []Address) { h.startupCache = objs }

// StartupCacheAt resolves a startup-object-cache entry.
func (h *Heap) StartupCacheAt(i int) (Address, error) {
	if i < 0 || i >= len(h.startupCache) {
		return 0, fmt.Errorf("%w: startup cache %d of %d", ErrTableIndex, i, len(h.startupCache))
	}
	return h.startupCache[i], nil
}

// SetReadOnlyCache installs the read-only object cache.
func (h *Heap) SetReadOnlyCache(objs []Address) { h.readOnlyCache = objs }

// ReadOnlyCacheAt resolves a read-only-object-cache entry.
func (h *Heap) ReadOnlyCacheAt(i int) (Address, error) {
	if i < 0 || i >= len(h.readOnlyCache) {
		return 0, fmt.Errorf("%w: read-only cache %d of %d", ErrTableIndex, i, len(h.readOnlyCache))
	}
	return h.readOnlyCache[i], nil
}

// SetExternalRefs installs the external-reference address table.
func (h *Heap) SetExternalRefs(addrs []uint64) { h.externalRefs = addrs }

// ExternalRef resolves an external-reference id to an address.
func (h *Heap) ExternalRef(id int) (uint64, error) {
	if id < 0 || id >= len(h.externalRefs) {
		return 0, fmt.Errorf("%w: external reference %d of %d", ErrTableIndex, id, len(h.externalRefs))
	}
	return h.externalRefs[id], nil
}

// SetAPIRefs installs the embedder-supplied API reference table. A nil
// table means the embedder provided none; any reference into it is a
// configuration error.
func (h *Heap) SetAPIRefs(addrs []uint64) { h.apiRefs = addrs }

// APIRef resolves an embedder API-reference id.
func (h *Heap) APIRef(id int) (uint64, error) {
	if h.apiRefs == nil {
		return 0, fmt.Errorf("%w: snapshot requires API reference %d", ErrNoEmbedderRefs, id)
	}
	if id < 0 || id >= len(h.apiRefs) {
		return 0, fmt.Errorf("%w: API reference %d of %d", ErrTableIndex, id, len(h.apiRefs))
	}
	return h.apiRefs[id], nil
}

// SetBuiltins installs the embedded built-in-code blob: the instruction
// start address of each builtin by index.
func (h *Heap) SetBuiltins(addrs []uint64) { h.builtins = addrs }

// BuiltinAddress resolves a builtin index against the embedded blob.
func (h *Heap) BuiltinAddress(i int) (uint64, error) {
	if h.builtins == nil {
		return 0, errors.New("heap: no embedded builtins blob")
	}
	if i < 0 || i >= len(h.builtins) {
		return 0, fmt.Errorf("%w: builtin %d of %d", ErrTableIndex, i, len(h.builtins))
	}
	a := h.builtins[i]
	if a == 0 {
		return 0, fmt.Errorf("heap: builtin %d has null entry point", i)
	}
	return a, nil
}

// SetNativeSources installs the host's native source material for
// native-source external strings, as UTF-16LE payloads by index.
func (h *Heap) SetNativeSources(sources [][]byte) { h.nativeSources = sources }

// NativeSource returns the raw UTF-16LE payload for one source index.
func (h *Heap) NativeSource(i int) ([]byte, error) {
	if i < 0 || i >= len(h.nativeSources) {
		return nil, fmt.Errorf("%w: native source %d of %d", ErrTableIndex, i, len(h.nativeSources))
	}
	return h.nativeSources[i], nil
}
