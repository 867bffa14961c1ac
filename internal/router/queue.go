package router

import (
	"time"

	"prism/pkg/model"
)

// entry is one queued job plus the bookkeeping ordering needs.
type entry struct {
	job      *model.Job
	seq      uint64 // FIFO tiebreak within a priority level
	enqueued time.Time
}

// queue orders jobs by effective priority then FIFO. Effective priority is
// the submitted priority boosted by +1 per aging interval waited, capped at
// the maximum, so sustained high-priority load cannot starve old low-priority
// jobs. Because the boost is a function of wait time, ordering is evaluated
// at pop time rather than maintained in a heap whose keys would go stale.
type queue struct {
	name    string
	entries []entry
}

const maxPriority = 10

func (q *queue) depth() int { return len(q.entries) }

func (q *queue) push(e entry) { q.entries = append(q.entries, e) }

func effectivePriority(e entry, now time.Time, aging time.Duration) int {
	p := e.job.Priority
	if aging > 0 {
		p += int(now.Sub(e.enqueued) / aging)
	}
	if p > maxPriority {
		p = maxPriority
	}
	return p
}

// pop removes and returns the best entry, or nil when empty.
func (q *queue) pop(now time.Time, aging time.Duration) *model.Job {
	if len(q.entries) == 0 {
		return nil
	}
	best := 0
	bestPri := effectivePriority(q.entries[0], now, aging)
	for i := 1; i < len(q.entries); i++ {
		pri := effectivePriority(q.entries[i], now, aging)
		if pri > bestPri || (pri == bestPri && q.entries[i].seq < q.entries[best].seq) {
			best, bestPri = i, pri
		}
	}
	job := q.entries[best].job
	q.entries = append(q.entries[:best], q.entries[best+1:]...)
	return job
}

// remove drops a job by id, returning whether it was present.
func (q *queue) remove(jobID string) bool {
	for i, e := range q.entries {
		if e.job.ID == jobID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}
