package heap

import (
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// DecodeNativeSource decodes a native-source string payload. The host
// stores its bundled source material as UTF-16LE; the decoded form is
// what a restored native-source string resolves its resource against.
func DecodeNativeSource(payload []byte) (string, error) {
	if len(payload)%2 != 0 {
		return "", fmt.Errorf("heap: native source payload has odd length %d", len(payload))
	}
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(payload)
	if err != nil {
		return "", fmt.Errorf("heap: native source decode: %w", err)
	}
	return string(out), nil
}

// ResolveNativeSource resolves a native-source resource index to an
// off-heap address holding the decoded source text, decoding it on first
// use. Returns the resource address and its decoded byte length.
func (h *Heap) ResolveNativeSource(i int) (Address, int, error) {
	if a, ok := h.nativeResolved[i]; ok {
		c, off, err := h.resolve(a)
		if err != nil {
			return 0, 0, err
		}
		return a, len(c.Data) - off, nil
	}
	payload, err := h.NativeSource(i)
	if err != nil {
		return 0, 0, err
	}
	text, err := DecodeNativeSource(payload)
	if err != nil {
		return 0, 0, err
	}
	store := h.NewBackingStore(len(text))
	copy(store.Data, text)
	h.nativeResolved[i] = store.Base
	return store.Base, len(text), nil
}
