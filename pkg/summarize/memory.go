package summarize

import (
	"runtime"
	"runtime/debug"
)

// DefaultCeiling is the resident-memory bound above which the AI path is
// never taken. A hard safety valve, not a preference.
const DefaultCeiling uint64 = 150 << 20

// MemoryProbe reports current memory usage in bytes.
type MemoryProbe func() uint64

// HeapProbe reads the live heap allocation.
func HeapProbe() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// releaseMemory runs a best-effort cleanup pass.
func releaseMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}
