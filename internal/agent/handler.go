package agent

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"
)

// MaxWorkDuration caps the synthetic load a single /work request can ask for.
const MaxWorkDuration = 5 * time.Second

// NewDefaultHandler serves the built-in worker endpoints:
//
//	GET /         worker identity
//	GET /work?ms= busy-loops for ms milliseconds to generate CPU load
//	GET /healthz  liveness
func NewDefaultHandler(workerID int) http.Handler {
	mux := http.NewServeMux()
	pid := os.Getpid()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/work", func(w http.ResponseWriter, r *http.Request) {
		ms, err := strconv.Atoi(r.URL.Query().Get("ms"))
		if err != nil || ms < 0 {
			http.Error(w, "ms must be a non-negative integer", http.StatusBadRequest)
			return
		}
		d := time.Duration(ms) * time.Millisecond
		if d > MaxWorkDuration {
			d = MaxWorkDuration
		}

		iterations := burn(d)
		writeJSON(w, map[string]interface{}{
			"worker_id":  workerID,
			"pid":        pid,
			"worked_ms":  d.Milliseconds(),
			"iterations": iterations,
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]interface{}{
			"worker_id": workerID,
			"pid":       pid,
		})
	})

	return mux
}

// burn spins the CPU for d.
func burn(d time.Duration) uint64 {
	deadline := time.Now().Add(d)
	var n uint64
	for time.Now().Before(deadline) {
		for i := 0; i < 1000; i++ {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
