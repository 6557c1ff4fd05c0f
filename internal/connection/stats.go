package connection

import (
	"time"

	"github.com/skobkin/groundlink/internal/domain"
)

// ReceptionWindow is the span reception frequency is averaged over.
const ReceptionWindow = 3 * time.Second

// reception tracks arrival times within the window. Callers serialize access.
type reception struct {
	total   uint64
	last    time.Time
	arrived []time.Time
}

func (r *reception) observe(at time.Time) {
	r.total++
	r.last = at
	r.arrived = append(r.arrived, at)
	r.prune(at)
}

func (r *reception) prune(now time.Time) {
	cutoff := now.Add(-ReceptionWindow)
	i := 0
	for i < len(r.arrived) && !r.arrived[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.arrived = append(r.arrived[:0], r.arrived[i:]...)
	}
}

func (r *reception) snapshot(now time.Time) domain.ReceptionStats {
	r.prune(now)

	return domain.ReceptionStats{
		Messages:    r.total,
		FrequencyHz: float64(len(r.arrived)) / ReceptionWindow.Seconds(),
		LastMessage: r.last,
	}
}
