package process

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kproc",
		Subsystem: "process",
		Name:      "forks_total",
		Help:      "Fork calls by result",
	}, []string{"result"})

	exitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kproc",
		Subsystem: "process",
		Name:      "exits_total",
		Help:      "Processes that called exit",
	})

	waitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kproc",
		Subsystem: "process",
		Name:      "waits_total",
		Help:      "Waitpid calls by result",
	}, []string{"result"})

	slotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kproc",
		Subsystem: "process",
		Name:      "table_slots_in_use",
		Help:      "Process table slots that are reserved or published",
	})

	orphansLeaked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kproc",
		Subsystem: "process",
		Name:      "orphans_leaked_total",
		Help:      "Orphaned processes that exited with nobody left to reap them",
	})
)

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var errno Errno
	if errors.As(err, &errno) {
		return errno.label()
	}
	return "error"
}
