package patcher

import (
	"fmt"
	"sync/atomic"
)

// RunStats are the counters reported at the end of a run.
type RunStats struct {
	Total   int64 `json:"total"`   // claimed records
	Patched int64 `json:"patched"` // passed the filters and patched without error
	Changed int64 `json:"changed"` // produced a revision
	Created int64 `json:"created"` // new records issued by a strategy
	Saved   int64 `json:"saved"`   // writes to the store
	Failed  int64 `json:"failed"`  // ended in an error
}

// Add returns the sum of s and o.
func (s RunStats) Add(o RunStats) RunStats {
	return RunStats{
		Total:   s.Total + o.Total,
		Patched: s.Patched + o.Patched,
		Changed: s.Changed + o.Changed,
		Created: s.Created + o.Created,
		Saved:   s.Saved + o.Saved,
		Failed:  s.Failed + o.Failed,
	}
}

func (s RunStats) String() string {
	return fmt.Sprintf("Total %d seen %d patched %d changed %d created %d saved %d failed",
		s.Total, s.Patched, s.Changed, s.Created, s.Saved, s.Failed)
}

// Stats is the shared counter set of one process.
type Stats struct {
	total, patched, changed, created, saved, failed atomic.Int64
}

// Snapshot returns the current values.
func (s *Stats) Snapshot() RunStats {
	return RunStats{
		Total:   s.total.Load(),
		Patched: s.patched.Load(),
		Changed: s.changed.Load(),
		Created: s.created.Load(),
		Saved:   s.saved.Load(),
		Failed:  s.failed.Load(),
	}
}

// Changed returns the changed counter; the run limit is checked against it.
func (s *Stats) Changed() int64 {
	return s.changed.Load()
}

// counts are what one record contributed before they are published.
type counts struct {
	changed, created, saved int64
}

func (s *Stats) publish(c counts) {
	s.changed.Add(c.changed)
	s.created.Add(c.created)
	s.saved.Add(c.saved)
}
