package metrics

import (
	"errors"
	"strconv"

	"github.com/jayanthvn/pure-tracebuf/pkg/tracebuf"
	"github.com/prometheus/client_golang/prometheus"
)

var _ tracebuf.Hooks = (*Hooks)(nil)

// Hooks counts ring buffer callbacks as they happen. Unlike the Collector,
// its totals stay with the ring buffer across Swap.
type Hooks struct {
	dropped  *prometheus.CounterVec
	overrun  *prometheus.CounterVec
	abnormal *prometheus.CounterVec
}

func NewHooks(namespace string) *Hooks {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Hooks{
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hooks",
			Name:      "dropped_total",
			Help:      "Dropped reservations seen by the hook",
		}, []string{"cpu"}),
		overrun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hooks",
			Name:      "overrun_events_total",
			Help:      "Events overwritten, seen by the hook",
		}, []string{"cpu"}),
		abnormal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hooks",
			Name:      "degraded_total",
			Help:      "CPU buffers that disabled themselves",
		}, []string{"cpu", "error"}),
	}
}

// Register adds the hook counters to reg.
func (h *Hooks) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{h.dropped, h.overrun, h.abnormal} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) Dropped(cpu int) {
	h.dropped.WithLabelValues(strconv.Itoa(cpu)).Inc()
}

func (h *Hooks) Overrun(cpu int, events uint64) {
	h.overrun.WithLabelValues(strconv.Itoa(cpu)).Add(float64(events))
}

func (h *Hooks) Abnormal(cpu int, err error) {
	log.Errorf("Ring buffer for cpu %d degraded: %v", cpu, err)
	h.abnormal.WithLabelValues(strconv.Itoa(cpu), errorClass(err)).Inc()
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, tracebuf.ErrAbnormalNesting):
		return "nesting"
	case errors.Is(err, tracebuf.ErrCorruption):
		return "corruption"
	default:
		return "other"
	}
}
