// Package scheduler is the cover-regeneration orchestrator. It owns the job
// table, the queue and the active set, enforces the concurrency cap, drives
// progress through per-job watchers (remote polling or the local clock),
// derives milestone signals and mirrors every state change to the persistence
// store. All mutation goes through a single lock-and-persist funnel so each
// event applies atomically; side effects (storage, notifications, analytics)
// run outside the lock.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"

	"github.com/covergen/coverd/app/remote"
	"github.com/covergen/coverd/app/store"
)

// Remote is the job authority client, nil switches progress to the local clock
type Remote interface {
	Create(ctx context.Context, req remote.StartRequest) (*store.Job, error)
	Fetch(ctx context.Context, playlistID string) (*store.Job, error)
	FetchAll(ctx context.Context) ([]*store.Job, error)
	Control(playlistID, action string)
	Restore(playlistID, trackID, scope string)
}

// Store persists the full orchestrator snapshot, mirrored on every mutation
type Store interface {
	Save(snap store.Snapshot) error
	Load() store.Snapshot
}

// Notifier receives milestone signals for user-facing delivery
type Notifier interface {
	OnProgress(p Progress)
	OnCompleted(c Completed)
}

// Analytics records named transition events with a flat property bag.
// Failures are the recorder's problem, the orchestrator never depends on it.
type Analytics interface {
	RecordTransition(playlistID, event string, props map[string]string) error
}

// Admission gates new running slots on host health. A denied check queues the
// job instead of running it; the periodic admit pass retries. Check may block
// on metric sampling and is always called outside the state lock.
type Admission interface {
	Check() (ok bool, reason string)
}

// Params configures the scheduler
type Params struct {
	Remote       Remote
	Store        Store
	Notifier     Notifier
	Analytics    Analytics
	Admission    Admission     // optional host health gate for new running slots
	Cap          int           // max jobs running at once, default 1
	PollInterval time.Duration // remote poll interval, default 1s
	TickInterval time.Duration // local clock interval, default 500ms
	Resync       string        // cron spec for periodic bulk reconcile, default @every 1m
	Now          func() time.Time
}

// Scheduler orchestrates regeneration jobs, see package doc
type Scheduler struct {
	Params

	mu       sync.Mutex
	jobs     map[string]*store.Job
	queue    []string
	active   []string
	watchers map[string]context.CancelFunc
	ctx      context.Context // base context for watchers, set by Run
	cancel   context.CancelFunc
}

// New makes a scheduler with defaults applied
func New(p Params) *Scheduler {
	if p.Cap <= 0 {
		p.Cap = 1
	}
	if p.PollInterval <= 0 {
		p.PollInterval = time.Second
	}
	if p.TickInterval <= 0 {
		p.TickInterval = 500 * time.Millisecond
	}
	if p.Resync == "" {
		p.Resync = "@every 1m"
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		Params:   p,
		jobs:     map[string]*store.Job{},
		watchers: map[string]context.CancelFunc{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Run rehydrates persisted state, starts the reconcile/maintenance cron and
// blocks until ctx is canceled. Watchers for rehydrated running jobs start
// immediately, no fresh Start call is needed after a restart.
func (s *Scheduler) Run(ctx context.Context) error {
	s.rehydrate()
	if s.Remote != nil {
		s.reconcile(ctx)
	}

	c := cron.New()
	if s.Remote != nil {
		if _, err := c.AddFunc(s.Resync, func() { s.reconcile(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule resync %q: %w", s.Resync, err)
		}
	}
	if s.Admission != nil {
		if _, err := c.AddFunc("@every 30s", s.admit); err != nil {
			return fmt.Errorf("failed to schedule admission pass: %w", err)
		}
	}
	if m, ok := s.Store.(interface{ Maintain() error }); ok && m != nil {
		if _, err := c.AddFunc("@every 1h", func() {
			if err := m.Maintain(); err != nil {
				log.Printf("[WARN] store maintenance failed: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule store maintenance: %w", err)
		}
	}
	c.Start()

	<-ctx.Done()
	log.Print("[DEBUG] scheduler terminating")
	<-c.Stop().Done()
	s.cancel() // stops all watchers
	return nil
}

// Start creates a job for the playlist with all rows pending and admits it per
// the concurrency cap. A second start while a job for the same playlist is
// queued, running or paused is an idempotent no-op; a terminal prior job is
// superseded by the fresh one. This is the only operation whose remote failure
// is surfaced: without a successful create there is nothing to track.
func (s *Scheduler) Start(ctx context.Context, playlistID string, trackIDs []string, covers map[string]string) error {
	if playlistID == "" {
		return fmt.Errorf("playlist id is required")
	}
	if len(trackIDs) == 0 {
		return fmt.Errorf("track ids are required")
	}
	seen := map[string]struct{}{}
	for _, id := range trackIDs {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicated track id %q", id)
		}
		seen[id] = struct{}{}
	}

	s.mu.Lock()
	if j, ok := s.jobs[playlistID]; ok && j.Active() {
		s.mu.Unlock()
		log.Printf("[DEBUG] duplicated start for %s ignored, already %s", playlistID, j.Status)
		return nil
	}
	s.mu.Unlock()

	job := store.NewJob(playlistID, trackIDs, covers, s.Now())
	if s.Remote != nil {
		snap, err := s.Remote.Create(ctx, remote.StartRequest{PlaylistID: playlistID, TrackIDs: trackIDs, CurrentCovers: covers})
		if err != nil {
			return fmt.Errorf("failed to start job for %s: %w", playlistID, err)
		}
		job = store.MergeRemote(nil, snap)
		for id, row := range job.Rows { // authority doesn't know the pre-regeneration covers
			if row.OriginalCover == "" {
				row.OriginalCover = covers[id]
			}
		}
		if len(job.TrackOrder) == len(trackIDs) {
			job.TrackOrder = append([]string{}, trackIDs...)
		}
	}

	admitted, reason := true, ""
	if s.Admission != nil {
		admitted, reason = s.Admission.Check()
	}

	s.mu.Lock()
	if j, ok := s.jobs[playlistID]; ok && j.Active() { // re-check, another start may have won the race
		s.mu.Unlock()
		return nil
	}
	event := "job_queued"
	if admitted && len(s.active) < s.Cap {
		job.Status = store.JobRunning
		job.StartedAt = s.Now()
		s.active = append(s.active, playlistID)
		s.startWatcherLocked(playlistID)
		event = "job_started"
	} else {
		job.Status = store.JobQueued
		s.queue = append(s.queue, playlistID)
	}
	s.jobs[playlistID] = job
	total := job.Total
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if !admitted {
		log.Printf("[INFO] admission deferred for %s: %s", playlistID, reason)
	}
	log.Printf("[INFO] %s %s, %d tracks", event, playlistID, len(trackIDs))
	s.persist(snap)
	s.track(playlistID, event, map[string]string{"total": strconv.Itoa(total)})
	return nil
}

// Pause stops progress consumption for a running job. The job keeps its active
// slot; the remote executor may keep working, the next resume reconciles.
func (s *Scheduler) Pause(playlistID string) bool {
	s.mu.Lock()
	j, ok := s.jobs[playlistID]
	if !ok || j.Status != store.JobRunning {
		s.mu.Unlock()
		return false
	}
	j.Status = store.JobPaused
	s.stopWatcherLocked(playlistID)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	log.Printf("[INFO] paused %s", playlistID)
	s.persist(snap)
	s.track(playlistID, "job_paused", nil)
	if s.Remote != nil {
		s.Remote.Control(playlistID, remote.ActionPause)
	}
	return true
}

// Resume restarts polling/ticking for a paused job
func (s *Scheduler) Resume(playlistID string) bool {
	s.mu.Lock()
	j, ok := s.jobs[playlistID]
	if !ok || j.Status != store.JobPaused {
		s.mu.Unlock()
		return false
	}
	j.Status = store.JobRunning
	s.startWatcherLocked(playlistID)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	log.Printf("[INFO] resumed %s", playlistID)
	s.persist(snap)
	s.track(playlistID, "job_resumed", nil)
	if s.Remote != nil {
		s.Remote.Control(playlistID, remote.ActionResume)
	}
	return true
}

// Cancel terminates a queued, running or paused job. Rows already updated keep
// their generated covers. Canceling an active job promotes the next queued one.
func (s *Scheduler) Cancel(playlistID string) bool {
	s.mu.Lock()
	j, ok := s.jobs[playlistID]
	if !ok || !j.Active() {
		s.mu.Unlock()
		return false
	}
	j.Status = store.JobCanceled
	completed, total := j.Completed, j.Total
	s.stopWatcherLocked(playlistID)
	s.removeActiveLocked(playlistID)
	s.removeQueuedLocked(playlistID)
	promoted := s.promoteLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	log.Printf("[INFO] canceled %s, completed %d of %d", playlistID, completed, total)
	s.persist(snap)
	s.track(playlistID, "job_canceled", map[string]string{"completed": strconv.Itoa(completed)})
	for _, id := range promoted {
		s.track(id, "job_promoted", nil)
	}
	if s.Remote != nil {
		s.Remote.Control(playlistID, remote.ActionCancel)
	}
	return true
}

// RestoreTrack reverts one track to its original cover, local-first. The
// remote notification is audit-only and its failure never rolls this back.
func (s *Scheduler) RestoreTrack(playlistID, trackID string) bool {
	s.mu.Lock()
	j, ok := s.jobs[playlistID]
	if !ok || !j.RestoreTrack(trackID, s.Now()) {
		s.mu.Unlock()
		return false
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	s.track(playlistID, "row_restored", map[string]string{"track": trackID})
	if s.Remote != nil {
		s.Remote.Restore(playlistID, trackID, remote.ScopeTrack)
	}
	return true
}

// RestoreAll reverts every eligible track of the playlist, returns the count changed
func (s *Scheduler) RestoreAll(playlistID string) int {
	s.mu.Lock()
	j, ok := s.jobs[playlistID]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	count := j.RestoreAll(s.Now())
	if count == 0 {
		s.mu.Unlock()
		return 0
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	s.track(playlistID, "restore_all", map[string]string{"count": strconv.Itoa(count)})
	if s.Remote != nil {
		s.Remote.Restore(playlistID, "", remote.ScopePlaylist)
	}
	return count
}

// UndoRestore flips a restored track back to its generated cover. The remote
// side hears about it through the same restore audit endpoint.
func (s *Scheduler) UndoRestore(playlistID, trackID string) bool {
	s.mu.Lock()
	j, ok := s.jobs[playlistID]
	if !ok || !j.UndoRestore(trackID, s.Now()) {
		s.mu.Unlock()
		return false
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	s.track(playlistID, "row_undo", map[string]string{"track": trackID})
	if s.Remote != nil {
		s.Remote.Restore(playlistID, trackID, remote.ScopeTrack)
	}
	return true
}

// Job returns a copy of the job for the playlist
func (s *Scheduler) Job(playlistID string) (*store.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[playlistID]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// List returns copies of all jobs, active first then by playlist id
func (s *Scheduler) List() []*store.Job {
	s.mu.Lock()
	res := make([]*store.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		res = append(res, j.Clone())
	}
	s.mu.Unlock()

	order := map[store.JobStatus]int{store.JobRunning: 0, store.JobPaused: 1, store.JobQueued: 2,
		store.JobCompleted: 3, store.JobCanceled: 4}
	sort.Slice(res, func(i, k int) bool {
		if order[res[i].Status] != order[res[k].Status] {
			return order[res[i].Status] < order[res[k].Status]
		}
		return res[i].PlaylistID < res[k].PlaylistID
	})
	return res
}

// rehydrate installs the persisted snapshot and restarts watchers for jobs
// that were running at last persist
func (s *Scheduler) rehydrate() {
	if s.Store == nil {
		return
	}
	snap := s.Store.Load()

	s.mu.Lock()
	s.jobs = snap.Jobs
	s.queue = snap.Queue
	s.active = snap.Active
	if s.jobs == nil {
		s.jobs = map[string]*store.Job{}
	}

	// drop dangling references, the blob may predate a crash mid-transition
	s.active = s.filterKnownLocked(s.active)
	s.queue = s.filterKnownLocked(s.queue)
	if len(s.active) > s.Cap {
		for _, id := range s.active[s.Cap:] {
			s.jobs[id].Status = store.JobQueued
			s.queue = append([]string{id}, s.queue...)
		}
		s.active = s.active[:s.Cap]
	}

	restarted := 0
	for _, id := range s.active {
		if s.jobs[id].Status == store.JobRunning {
			s.startWatcherLocked(id)
			restarted++
		}
	}
	s.mu.Unlock()

	if len(snap.Jobs) > 0 {
		log.Printf("[INFO] rehydrated %d jobs, %d queued, %d watchers restarted", len(snap.Jobs), len(snap.Queue), restarted)
	}
}

// reconcile pulls the bulk job list from the authority and applies every
// snapshot matching a locally known job
func (s *Scheduler) reconcile(ctx context.Context) {
	jobs, err := s.Remote.FetchAll(ctx)
	if err != nil {
		log.Printf("[WARN] bulk reconcile failed: %v", err)
		return
	}
	for _, job := range jobs {
		s.mu.Lock()
		_, known := s.jobs[job.PlaylistID]
		s.mu.Unlock()
		if !known {
			log.Printf("[DEBUG] reconcile skipped unknown job %s", job.PlaylistID)
			continue
		}
		s.applySnapshot(job)
	}
}

// watch drives progress for one job until it turns terminal or its context is
// canceled (pause, cancel, shutdown). Remote mode polls the authority; local
// mode advances one row per tick on the simulated clock.
func (s *Scheduler) watch(ctx context.Context, playlistID string) {
	interval := s.PollInterval
	if s.Remote == nil {
		interval = s.TickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Remote == nil {
				if s.tick(playlistID) {
					return
				}
				continue
			}
			snap, err := s.Remote.Fetch(ctx, playlistID)
			if err != nil {
				s.pollFailed(playlistID, err)
				continue // next interval retries, polling errors are not fatal
			}
			if s.applySnapshot(snap) {
				return
			}
		}
	}
}

// tick advances one row on the local clock, reports true when the watcher should stop
func (s *Scheduler) tick(playlistID string) (stop bool) {
	s.mu.Lock()
	j, ok := s.jobs[playlistID]
	if !ok || j.Status != store.JobRunning {
		s.mu.Unlock()
		return true
	}
	now := s.Now()
	trackID := j.NextPending()
	if trackID != "" {
		j.CompleteRow(trackID, "generated://"+playlistID+"/"+trackID, now)
	}

	var promoted []string
	completed := j.Completed >= j.Total
	total := j.Total
	if completed {
		j.Status = store.JobCompleted
		s.stopWatcherLocked(playlistID)
		s.removeActiveLocked(playlistID)
		promoted = s.promoteLocked()
	}
	prog, done := evalMilestones(j, now)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	if trackID != "" {
		s.track(playlistID, "row_updated", map[string]string{"track": trackID})
	}
	if completed {
		log.Printf("[INFO] completed %s, %d tracks", playlistID, total)
		s.track(playlistID, "job_completed", map[string]string{"total": strconv.Itoa(total)})
		for _, id := range promoted {
			s.track(id, "job_promoted", nil)
		}
	}
	s.emit(prog, done)
	return completed
}

// applySnapshot reconciles an authoritative snapshot into local state,
// reports true when the watcher should stop
func (s *Scheduler) applySnapshot(snap *store.Job) (stop bool) {
	s.mu.Lock()
	local := s.jobs[snap.PlaylistID]
	merged := store.MergeRemote(local, snap)
	if merged == local { // stale snapshot, nothing changed
		stop = local == nil || local.Status != store.JobRunning
		s.mu.Unlock()
		return stop
	}

	if !merged.Terminal() && merged.Status == store.JobRunning && merged.Completed >= merged.Total && merged.Total > 0 {
		merged.Status = store.JobCompleted // authority may lag the terminal status behind the counters
	}
	s.jobs[snap.PlaylistID] = merged

	var promoted []string
	if merged.Terminal() {
		s.stopWatcherLocked(snap.PlaylistID)
		s.removeActiveLocked(snap.PlaylistID)
		s.removeQueuedLocked(snap.PlaylistID)
		promoted = s.promoteLocked()
	}
	var prog *Progress
	var done *Completed
	if merged.Status != store.JobCanceled {
		prog, done = evalMilestones(merged, s.Now())
	}
	persisted := s.snapshotLocked()
	status, completed, total := merged.Status, merged.Completed, merged.Total
	stop = status != store.JobRunning
	s.mu.Unlock()

	s.persist(persisted)
	if status == store.JobCompleted {
		log.Printf("[INFO] completed %s, %d tracks", snap.PlaylistID, total)
		s.track(snap.PlaylistID, "job_completed", map[string]string{"total": strconv.Itoa(total)})
	}
	if status == store.JobCanceled {
		log.Printf("[INFO] remote canceled %s", snap.PlaylistID)
		s.track(snap.PlaylistID, "job_canceled", map[string]string{"completed": strconv.Itoa(completed)})
	}
	for _, id := range promoted {
		s.track(id, "job_promoted", nil)
	}
	s.emit(prog, done)
	return stop
}

// admit promotes queued jobs into free slots once host health allows it.
// Runs on the cron schedule; promotion on slot release skips the health check
// since the load it guards against was already there.
func (s *Scheduler) admit() {
	s.mu.Lock()
	waiting := len(s.queue) > 0 && len(s.active) < s.Cap
	s.mu.Unlock()
	if !waiting {
		return
	}

	if ok, reason := s.Admission.Check(); !ok {
		log.Printf("[DEBUG] promotion deferred: %s", reason)
		return
	}

	s.mu.Lock()
	promoted := s.promoteLocked()
	if len(promoted) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	for _, id := range promoted {
		s.track(id, "job_promoted", nil)
	}
}

// pollFailed records a non-fatal poll error on the job, polling continues
func (s *Scheduler) pollFailed(playlistID string, err error) {
	log.Printf("[WARN] poll failed for %s: %v", playlistID, err)
	s.mu.Lock()
	if j, ok := s.jobs[playlistID]; ok {
		j.LastError = err.Error()
	}
	s.mu.Unlock()
}

// promoteLocked moves queued jobs into free active slots, first-requested first
func (s *Scheduler) promoteLocked() (promoted []string) {
	for len(s.active) < s.Cap && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		j, ok := s.jobs[id]
		if !ok || j.Status != store.JobQueued {
			continue
		}
		j.Status = store.JobRunning
		if j.StartedAt.IsZero() {
			j.StartedAt = s.Now()
		}
		s.active = append(s.active, id)
		s.startWatcherLocked(id)
		log.Printf("[INFO] promoted %s from queue", id)
		promoted = append(promoted, id)
	}
	return promoted
}

func (s *Scheduler) startWatcherLocked(playlistID string) {
	if _, ok := s.watchers[playlistID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.watchers[playlistID] = cancel
	go s.watch(ctx, playlistID)
}

func (s *Scheduler) stopWatcherLocked(playlistID string) {
	if cancel, ok := s.watchers[playlistID]; ok {
		cancel()
		delete(s.watchers, playlistID)
	}
}

func (s *Scheduler) removeActiveLocked(playlistID string) {
	for i, id := range s.active {
		if id == playlistID {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) removeQueuedLocked(playlistID string) {
	for i, id := range s.queue {
		if id == playlistID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) filterKnownLocked(ids []string) []string {
	res := ids[:0]
	for _, id := range ids {
		if _, ok := s.jobs[id]; ok {
			res = append(res, id)
		}
	}
	return res
}

func (s *Scheduler) snapshotLocked() store.Snapshot {
	snap := store.NewSnapshot()
	for id, j := range s.jobs {
		snap.Jobs[id] = j.Clone()
	}
	snap.Queue = append([]string{}, s.queue...)
	snap.Active = append([]string{}, s.active...)
	return snap
}

// persist mirrors the snapshot to durable storage. Failures degrade the
// session to in-memory only and never propagate to the caller.
func (s *Scheduler) persist(snap store.Snapshot) {
	if s.Store == nil {
		return
	}
	if err := s.Store.Save(snap); err != nil {
		log.Printf("[WARN] failed to persist state: %v", err)
	}
}

// track records an analytics transition, best-effort
func (s *Scheduler) track(playlistID, event string, props map[string]string) {
	if s.Analytics == nil {
		return
	}
	if err := s.Analytics.RecordTransition(playlistID, event, props); err != nil {
		log.Printf("[WARN] failed to record %s for %s: %v", event, playlistID, err)
	}
}

// emit delivers milestone signals outside the state lock
func (s *Scheduler) emit(prog *Progress, done *Completed) {
	if s.Notifier == nil {
		return
	}
	if prog != nil {
		s.Notifier.OnProgress(*prog)
	}
	if done != nil {
		s.Notifier.OnCompleted(*done)
	}
}
