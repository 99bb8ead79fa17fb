package metrics

import (
	"fmt"
	"runtime"
)

// HeapStats is the subset of runtime.MemStats the memory reading uses.
type HeapStats struct {
	HeapAlloc uint64
	HeapSys   uint64
}

// MemoryTracker reports the calling process's managed-heap usage. The
// supervisor samples itself with it and each worker agent reports its own.
type MemoryTracker struct {
	read func() HeapStats
}

// NewMemoryTracker creates a tracker backed by runtime.ReadMemStats.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{read: readHeapStats}
}

// Percent returns heap in use divided by heap obtained from the OS, x100.
func (m *MemoryTracker) Percent() (float64, error) {
	hs := m.read()
	if hs.HeapSys == 0 {
		return 0, fmt.Errorf("heap size unavailable")
	}
	return float64(hs.HeapAlloc) / float64(hs.HeapSys) * 100, nil
}

func readHeapStats() HeapStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return HeapStats{HeapAlloc: ms.HeapAlloc, HeapSys: ms.HeapSys}
}
