package profiling

import (
	"cmp"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Per-frame stage timings. Totals reset every frame and feed the frame stats
// log; every span is also observed by a prometheus summary once Register has
// been called.

var (
	mu          sync.Mutex
	frameTotals = make(map[string]time.Duration)

	stageDuration = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:  "voxstream",
		Name:       "stage_duration_seconds",
		Help:       "Wall time spent per tracked stage",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"stage"})
)

// Register exposes the stage summary on reg. Registering twice on the same
// registry is not an error.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	if err := reg.Register(stageDuration); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}

// Track starts timing a stage and returns the function that stops it. The
// elapsed time is added to the stage's per-frame total and observed by the
// stage summary:
//
//	defer profiling.Track("server.Tick")()
func Track(name string) func() {
	start := time.Now()
	return func() {
		d := time.Since(start)
		mu.Lock()
		frameTotals[name] += d
		mu.Unlock()
		stageDuration.WithLabelValues(name).Observe(d.Seconds())
	}
}

// ResetFrame starts a new frame.
func ResetFrame() {
	mu.Lock()
	clear(frameTotals)
	mu.Unlock()
}

// Snapshot copies the totals of the current frame.
func Snapshot() map[string]time.Duration {
	mu.Lock()
	defer mu.Unlock()
	return maps.Clone(frameTotals)
}

type stage struct {
	name string
	dur  time.Duration
}

// TopN lists the n most expensive stages of the current frame, slowest
// first, as "server.Tick:4.2ms, client.Cycle:2.1ms". Ties sort by name.
func TopN(n int) string {
	snap := Snapshot()
	stages := make([]stage, 0, len(snap))
	for name, d := range snap {
		stages = append(stages, stage{name: name, dur: d})
	}
	slices.SortFunc(stages, func(a, b stage) int {
		if c := cmp.Compare(b.dur, a.dur); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})

	parts := make([]string, 0, min(n, len(stages)))
	for _, st := range stages[:min(n, len(stages))] {
		parts = append(parts, st.name+":"+formatMs(float64(st.dur.Microseconds())/1000))
	}
	return strings.Join(parts, ", ")
}

// formatMs renders milliseconds for the frame stats line. One decimal is
// enough to tell stages apart; whole values print bare ("4ms", not "4.0ms").
func formatMs(ms float64) string {
	return strings.TrimSuffix(strconv.FormatFloat(ms, 'f', 1, 64), ".0") + "ms"
}
