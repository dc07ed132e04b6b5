package scheduler

import (
	"time"

	"github.com/covergen/coverd/app/store"
)

// Progress is a throttled progress signal, fired on decile crossings
type Progress struct {
	PlaylistID string
	Completed  int
	Total      int
	Percent    int
}

// Completed is the terminal signal fired once per job at 100%
type Completed struct {
	PlaylistID string
	Total      int
	Elapsed    time.Duration
}

// evalMilestones derives threshold-crossing signals from a job update and
// advances the job's milestone bookkeeping. A progress signal fires when the
// percentage reaches 100, when no signal has fired yet, or when it moved at
// least 10 points since the last one; the completion signal fires exactly once,
// together with the final progress signal. Throttles noisy downstream
// consumers to roughly decile granularity.
func evalMilestones(job *store.Job, now time.Time) (prog *Progress, done *Completed) {
	if job.Total <= 0 {
		return nil, nil
	}

	pct := job.Percent()
	fire := job.LastEmittedPercent < 0 ||
		(pct == 100 && job.LastEmittedPercent < 100) ||
		pct-job.LastEmittedPercent >= 10
	if !fire {
		return nil, nil
	}

	job.LastEmittedPercent = pct
	prog = &Progress{PlaylistID: job.PlaylistID, Completed: job.Completed, Total: job.Total, Percent: pct}
	if pct == 100 {
		elapsed := time.Duration(0)
		if !job.StartedAt.IsZero() {
			elapsed = now.Sub(job.StartedAt)
		}
		done = &Completed{PlaylistID: job.PlaylistID, Total: job.Total, Elapsed: elapsed}
	}
	return prog, done
}
