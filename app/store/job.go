// Package store defines the regeneration job state: per-track rows, the
// per-playlist job aggregate and the persisted snapshot. All types are pure
// state with no I/O; transitions that are not legal leave the state unchanged
// and report false, they never fail. Redundant UI clicks routinely trigger
// illegal transitions and must not surface as errors.
package store

import (
	"sort"
	"time"
)

// RowStatus is the regeneration state of a single track within a job
type RowStatus string

// row statuses, pending -> updating -> updated -> restored with undo back to updated
const (
	RowPending  RowStatus = "pending"
	RowUpdating RowStatus = "updating"
	RowUpdated  RowStatus = "updated"
	RowRestored RowStatus = "restored"
)

// JobStatus is the status of a playlist-level job
type JobStatus string

// job statuses. idle is the absence of a job record and appears only in API responses
const (
	JobIdle      JobStatus = "idle"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCanceled  JobStatus = "canceled"
	JobCompleted JobStatus = "completed"
)

// Row keeps per-track regeneration state. Cover fields are opaque references
// (urls or ids), the image bytes are never touched here.
type Row struct {
	TrackID        string    `json:"trackId"`
	Status         RowStatus `json:"status"`
	OriginalCover  string    `json:"originalCover,omitempty"`  // cover before regeneration, immutable once set
	GeneratedCover string    `json:"generatedCover,omitempty"` // latest generated cover, survives restore to allow undo
	DisplayedCover string    `json:"displayedCover,omitempty"` // what consumers should show right now
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Job is the regeneration task for all tracks of a single playlist
type Job struct {
	PlaylistID string          `json:"playlistId"`
	Status     JobStatus       `json:"status"`
	Total      int             `json:"total"`
	Completed  int             `json:"completed"`
	StartedAt  time.Time       `json:"startedAt,omitzero"`
	Rows       map[string]*Row `json:"rows"`
	TrackOrder []string        `json:"trackOrder,omitempty"` // progression order for the local clock

	// LastEmittedPercent is the last progress percentage a milestone fired for,
	// -1 until the first signal. Local bookkeeping, never taken from remote snapshots.
	LastEmittedPercent int `json:"lastEmittedPercent"`

	LastError string `json:"lastError,omitempty"` // last non-fatal poll error, cleared on next good snapshot
}

// SnapshotVersion is the format version of the persisted blob.
// Anything else is treated as an empty store on load.
const SnapshotVersion = 1

// Snapshot is the full persisted state: job table, queue order and the list of
// playlists currently permitted to run (bounded by the concurrency cap, a single
// element with the default cap of 1).
type Snapshot struct {
	Version int             `json:"version"`
	Jobs    map[string]*Job `json:"jobs"`
	Queue   []string        `json:"queue"`
	Active  []string        `json:"active"`
}

// NewSnapshot makes an empty snapshot of the current format version
func NewSnapshot() Snapshot {
	return Snapshot{Version: SnapshotVersion, Jobs: map[string]*Job{}}
}

// NewJob makes a job with all rows pending. Covers maps track id to the
// pre-regeneration cover reference; tracks missing from it simply have no
// original cover and stay ineligible for restore.
func NewJob(playlistID string, trackIDs []string, covers map[string]string, now time.Time) *Job {
	job := &Job{
		PlaylistID:         playlistID,
		Status:             JobQueued,
		Total:              len(trackIDs),
		Rows:               make(map[string]*Row, len(trackIDs)),
		TrackOrder:         append([]string{}, trackIDs...),
		LastEmittedPercent: -1,
	}
	for _, id := range trackIDs {
		job.Rows[id] = &Row{TrackID: id, Status: RowPending, OriginalCover: covers[id], UpdatedAt: now}
	}
	return job
}

// Clone makes a deep copy, safe to hand out or mutate independently
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	res := *j
	res.TrackOrder = append([]string{}, j.TrackOrder...)
	res.Rows = make(map[string]*Row, len(j.Rows))
	for id, row := range j.Rows {
		r := *row
		res.Rows[id] = &r
	}
	return &res
}

// Percent is the progress percentage, floor(completed/total*100)
func (j *Job) Percent() int {
	if j.Total <= 0 {
		return 0
	}
	return j.Completed * 100 / j.Total
}

// Terminal reports completed or canceled status
func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobCanceled
}

// Active reports a job holding the playlist slot, i.e. queued, running or paused.
// A second start for the same playlist is a no-op while its job is active.
func (j *Job) Active() bool {
	return j.Status == JobQueued || j.Status == JobRunning || j.Status == JobPaused
}

// NextPending returns the first pending track in progression order, "" if none
func (j *Job) NextPending() string {
	for _, id := range j.TrackOrder {
		if row, ok := j.Rows[id]; ok && row.Status == RowPending {
			return id
		}
	}
	return ""
}

// CompleteRow finishes generation for one track: the row goes
// pending -> updating -> updated with the generated cover and the completed
// counter increments. A no-op for rows past pending.
func (j *Job) CompleteRow(trackID, generatedCover string, now time.Time) bool {
	row, ok := j.Rows[trackID]
	if !ok || row.Status != RowPending {
		return false
	}
	row.Status = RowUpdated
	row.GeneratedCover = generatedCover
	row.DisplayedCover = generatedCover
	row.UpdatedAt = now
	j.Completed++
	return true
}

// Advance completes one unit of progress on the next pending row in track
// order. Returns false when no pending rows remain.
func (j *Job) Advance(generatedCover string, now time.Time) bool {
	next := j.NextPending()
	if next == "" {
		return false
	}
	return j.CompleteRow(next, generatedCover, now)
}

// RestoreTrack reverts the displayed cover of a single track to the original.
// Legal only for an updated row with a captured original cover; anything else
// is a no-op returning false. The generated cover is kept for undo.
func (j *Job) RestoreTrack(trackID string, now time.Time) bool {
	row, ok := j.Rows[trackID]
	if !ok || row.Status != RowUpdated || row.OriginalCover == "" {
		return false
	}
	row.Status = RowRestored
	row.DisplayedCover = row.OriginalCover
	row.UpdatedAt = now
	return true
}

// RestoreAll restores every eligible row, returns the number of rows changed
func (j *Job) RestoreAll(now time.Time) int {
	count := 0
	for _, id := range j.TrackOrder {
		if j.RestoreTrack(id, now) {
			count++
		}
	}
	return count
}

// UndoRestore flips a restored row back to its generated cover. Legal only for
// a restored row that still holds a generated cover; otherwise a no-op.
func (j *Job) UndoRestore(trackID string, now time.Time) bool {
	row, ok := j.Rows[trackID]
	if !ok || row.Status != RowRestored || row.GeneratedCover == "" {
		return false
	}
	row.Status = RowUpdated
	row.DisplayedCover = row.GeneratedCover
	row.UpdatedAt = now
	return true
}

// Normalize repairs a job received from the remote authority or loaded from
// disk: nil maps, counter bounds and total/row-count agreement. Remote
// snapshots are trusted for content but not for shape.
func (j *Job) Normalize() {
	if j.Rows == nil {
		j.Rows = map[string]*Row{}
	}
	for id, row := range j.Rows {
		if row.TrackID == "" {
			row.TrackID = id
		}
	}
	if len(j.TrackOrder) != len(j.Rows) {
		j.TrackOrder = j.TrackOrder[:0]
		for id := range j.Rows {
			j.TrackOrder = append(j.TrackOrder, id)
		}
		sort.Strings(j.TrackOrder)
	}
	if len(j.Rows) > 0 {
		j.Total = len(j.Rows)
	}
	if j.Completed < 0 {
		j.Completed = 0
	}
	if j.Total > 0 && j.Completed > j.Total {
		j.Completed = j.Total
	}
}

// MergeRemote reconciles an authoritative remote snapshot into the local job.
// The remote job replaces the local one wholesale, with the carve-outs the rest
// of the state model requires:
//   - a stale snapshot (lower completed counter) is ignored, progress is monotonic
//   - locally restored rows keep their restored display state, restore/undo is
//     local-first and the remote call is audit-only
//   - lastEmittedPercent, startedAt and queue-derived status (queued/paused) are
//     local bookkeeping; remote terminal statuses always win
//
// Returns the reconciled job; local may be nil for a job first seen remotely.
func MergeRemote(local, remote *Job) *Job {
	res := remote.Clone()
	res.Normalize()

	if local == nil {
		if res.LastEmittedPercent == 0 { // remote does not carry milestone bookkeeping
			res.LastEmittedPercent = -1
		}
		return res
	}

	if res.Completed < local.Completed { // stale poll response arrived out of order
		return local
	}

	res.LastEmittedPercent = local.LastEmittedPercent
	res.StartedAt = local.StartedAt
	res.LastError = ""

	for id, row := range local.Rows { // authority doesn't know the pre-regeneration covers
		if r, ok := res.Rows[id]; ok && r.OriginalCover == "" {
			r.OriginalCover = row.OriginalCover
		}
	}

	for id, row := range local.Rows {
		if row.Status != RowRestored {
			continue
		}
		if r, ok := res.Rows[id]; ok && r.Status != RowPending {
			r.Status = RowRestored
			r.DisplayedCover = row.OriginalCover
			r.UpdatedAt = row.UpdatedAt
		}
	}

	if !res.Terminal() && (local.Status == JobQueued || local.Status == JobPaused) {
		res.Status = local.Status
	}
	return res
}
