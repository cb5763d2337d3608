package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"text/tabwriter"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kproc/internal/logging"
	"kproc/pkg/kheap"
	"kproc/pkg/process"
)

// procsResponse is the body of GET /procs.
type procsResponse struct {
	Count int            `json:"count"`
	Procs []process.Info `json:"procs"`
	Heap  []kheap.Stats  `json:"heap"`
}

func newRouter(k *process.Kernel, heap *kheap.Arena) chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		middleware.GetHead,
	)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/procs", procsHandler(k, heap))
	r.Get("/procs/{pid}", procHandler(k))
	return r
}

func procsHandler(k *process.Kernel, heap *kheap.Arena) http.HandlerFunc {
	log := logging.GetLogger("demo")
	return func(w http.ResponseWriter, r *http.Request) {
		snap := k.Table().Snapshot()
		resp := procsResponse{Count: len(snap), Procs: snap, Heap: heap.Snapshot()}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Error("couldn't encode /procs response", "error", err)
		}
	}
}

func procHandler(k *process.Kernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
		if err != nil {
			http.Error(w, "bad pid", http.StatusBadRequest)
			return
		}
		for _, info := range k.Table().Snapshot() {
			if info.PID == pid {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(info)
				return
			}
		}
		http.NotFound(w, r)
	}
}

func (d *demo) printTable() {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := d.kernel.Table().Snapshot()
	fmt.Fprintf(d.out, "\n%d pid(s) still allocated\n", len(snap))
	if len(snap) == 0 {
		return
	}
	tw := tabwriter.NewWriter(d.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tPPID\tNAME\tSTATE")
	for _, info := range snap {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", info.PID, info.ParentPID, info.Name, info.State)
	}
	tw.Flush()
}
