package metrics

import (
	"testing"
)

func TestMemoryTrackerPercent(t *testing.T) {
	tests := []struct {
		name    string
		stats   HeapStats
		want    float64
		wantErr bool
	}{
		{"half used", HeapStats{HeapAlloc: 512, HeapSys: 1024}, 50, false},
		{"empty heap", HeapStats{HeapAlloc: 0, HeapSys: 1024}, 0, false},
		{"fully used", HeapStats{HeapAlloc: 1024, HeapSys: 1024}, 100, false},
		{"no heap reported", HeapStats{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := &MemoryTracker{read: func() HeapStats { return tt.stats }}
			got, err := tracker.Percent()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Percent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Percent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemoryTrackerRuntime(t *testing.T) {
	got, err := NewMemoryTracker().Percent()
	if err != nil {
		t.Fatalf("Percent() failed: %v", err)
	}
	if got <= 0 || got > 100 {
		t.Errorf("Percent() = %v, want within (0, 100]", got)
	}
}
