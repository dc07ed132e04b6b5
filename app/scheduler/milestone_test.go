package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covergen/coverd/app/store"
)

func TestEvalMilestones_DecileThrottle(t *testing.T) {
	now := time.Now()
	job := &store.Job{PlaylistID: "p1", Total: 100, LastEmittedPercent: 0, StartedAt: now}

	var fired []int
	for completed := 1; completed <= 100; completed++ {
		job.Completed = completed
		if prog, _ := evalMilestones(job, now); prog != nil {
			fired = append(fired, prog.Percent)
		}
	}
	assert.Equal(t, []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, fired,
		"100 updates throttled to decile crossings")
}

func TestEvalMilestones_FirstUpdateAlwaysFires(t *testing.T) {
	now := time.Now()
	job := &store.Job{PlaylistID: "p1", Total: 100, Completed: 3, LastEmittedPercent: -1}

	prog, done := evalMilestones(job, now)
	require.NotNil(t, prog, "unset lastEmittedPercent fires regardless of percentage")
	assert.Equal(t, 3, prog.Percent)
	assert.Nil(t, done)
	assert.Equal(t, 3, job.LastEmittedPercent)

	prog, _ = evalMilestones(job, now)
	assert.Nil(t, prog, "same percentage doesn't fire twice")
}

func TestEvalMilestones_EveryDecileForSmallJob(t *testing.T) {
	now := time.Now()
	job := &store.Job{PlaylistID: "p1", Total: 10, LastEmittedPercent: 0, StartedAt: now.Add(-time.Minute)}

	progCount, doneCount := 0, 0
	for completed := 1; completed <= 10; completed++ {
		job.Completed = completed
		prog, done := evalMilestones(job, now)
		if prog != nil {
			progCount++
			assert.Equal(t, completed*10, prog.Percent)
		}
		if done != nil {
			doneCount++
		}
	}
	assert.Equal(t, 10, progCount, "each unit of a 10-track job crosses a decile")
	assert.Equal(t, 1, doneCount)
}

func TestEvalMilestones_Completed(t *testing.T) {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Second)
	job := &store.Job{PlaylistID: "p1", Total: 4, Completed: 4, LastEmittedPercent: 75, StartedAt: started}

	prog, done := evalMilestones(job, now)
	require.NotNil(t, prog)
	assert.Equal(t, 100, prog.Percent)
	require.NotNil(t, done)
	assert.Equal(t, "p1", done.PlaylistID)
	assert.Equal(t, 4, done.Total)
	assert.Equal(t, 90*time.Second, done.Elapsed)

	prog, done = evalMilestones(job, now)
	assert.Nil(t, prog, "completion signal fires exactly once")
	assert.Nil(t, done)
}

func TestEvalMilestones_CompletionGuaranteedEvenBelowStep(t *testing.T) {
	now := time.Now()
	job := &store.Job{PlaylistID: "p1", Total: 100, Completed: 100, LastEmittedPercent: 95, StartedAt: now}

	prog, done := evalMilestones(job, now)
	require.NotNil(t, prog, "100%% fires even when the decile step is not reached")
	require.NotNil(t, done)
}

func TestEvalMilestones_ZeroTotal(t *testing.T) {
	prog, done := evalMilestones(&store.Job{PlaylistID: "p1"}, time.Now())
	assert.Nil(t, prog)
	assert.Nil(t, done)
}
