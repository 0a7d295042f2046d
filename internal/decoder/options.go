package decoder

import "os"

// Options controls decode behavior.
type Options struct {
	// UserCode marks post-bootstrap deserialization of user-compiled
	// code: strings are canonicalized against the intern table, scripts
	// and allocation sites are collected, and rehashing runs even when
	// Rehash is off.
	UserCode bool

	// Rehash recomputes hash-dependent layouts after all passes.
	Rehash bool

	// TraceShapes collects newly created shape descriptors and logs
	// creation events for them.
	TraceShapes bool

	// CollectSideInfo gathers accessor-info and call-handler-info
	// objects into side lists (simulator-style bookkeeping).
	CollectSideInfo bool
}

var debugDecode = os.Getenv("HEAPTHAW_DEBUG_DECODE") != ""
