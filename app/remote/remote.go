// Package remote talks to the remote job authority. The consistency policy
// lives in the client API: Create is strict and returns the error to the
// caller, Control and Restore are best-effort notifications executed on a
// bounded worker pool with failures logged and swallowed. Polling reads are
// plain requests the scheduler drives on its own interval.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/covergen/coverd/app/store"
)

// control actions accepted by the authority
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionCancel = "cancel"
)

// restore scopes accepted by the authority
const (
	ScopeTrack    = "track"
	ScopePlaylist = "playlist"
)

// Repeater retries failed calls, uses go-pkgz/repeater
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// Client is the HTTP client for the job authority
type Client struct {
	baseURL  string
	client   *http.Client
	workers  *syncs.SizedGroup
	repeater Repeater
	timeout  time.Duration
}

// StartRequest is the job creation body, wire format set by the authority
type StartRequest struct {
	PlaylistID    string            `json:"playlistId"`
	TrackIDs      []string          `json:"trackIds"`
	CurrentCovers map[string]string `json:"currentCovers,omitempty"`
}

type controlRequest struct {
	Action string `json:"action"`
}

type restoreRequest struct {
	PlaylistID string `json:"playlistId"`
	TrackID    string `json:"trackId,omitempty"`
	Scope      string `json:"scope"`
}

// New makes a client for the authority at baseURL. The repeater guards the
// bulk reconcile only; single-job operations are never auto-retried.
func New(baseURL string, timeout time.Duration, rptr Repeater) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		workers:  syncs.NewSizedGroup(4), // bounded pool for fire-and-forget notifications
		repeater: rptr,
		timeout:  timeout,
	}
}

// Create registers (or resumes) a job for the playlist and returns the
// authoritative initial snapshot. This is the one call whose failure the
// caller sees; without a successful create there is no job to track.
func (c *Client) Create(ctx context.Context, req StartRequest) (*store.Job, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal start request: %w", err)
	}
	var job store.Job
	if err := c.call(ctx, http.MethodPost, c.baseURL+"/jobs", body, &job); err != nil {
		return nil, fmt.Errorf("failed to create job for %s: %w", req.PlaylistID, err)
	}
	job.Normalize()
	return &job, nil
}

// Fetch returns the current authoritative snapshot for a playlist
func (c *Client) Fetch(ctx context.Context, playlistID string) (*store.Job, error) {
	var job store.Job
	if err := c.call(ctx, http.MethodGet, c.baseURL+"/jobs/"+playlistID, nil, &job); err != nil {
		return nil, fmt.Errorf("failed to fetch job %s: %w", playlistID, err)
	}
	job.Normalize()
	return &job, nil
}

// FetchAll returns snapshots of every in-flight job, used for reconcile after
// a restart and on the periodic resync schedule. Retried via the repeater,
// a transient failure here would leave stale local jobs stuck.
func (c *Client) FetchAll(ctx context.Context) ([]*store.Job, error) {
	var jobs []*store.Job
	fetch := func() error {
		jobs = jobs[:0]
		return c.call(ctx, http.MethodGet, c.baseURL+"/jobs", nil, &jobs)
	}

	var err error
	if c.repeater != nil {
		err = c.repeater.Do(ctx, fetch)
	} else {
		err = fetch()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jobs: %w", err)
	}
	for _, job := range jobs {
		job.Normalize()
	}
	return jobs, nil
}

// Control sends a pause/resume/cancel notification, best-effort and
// non-blocking. Local state is already applied when this fires.
func (c *Client) Control(playlistID, action string) {
	body, err := json.Marshal(controlRequest{Action: action})
	if err != nil {
		log.Printf("[WARN] failed to marshal control request: %v", err)
		return
	}
	url := c.baseURL + "/jobs/" + playlistID + "/control"
	c.workers.Go(func(context.Context) {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.call(ctx, http.MethodPost, url, body, nil); err != nil {
			log.Printf("[DEBUG] control %s for %s not delivered: %v", action, playlistID, err)
		}
	})
}

// Restore sends a restore (or undo) audit notification, best-effort and
// non-blocking. TrackID is empty for playlist scope.
func (c *Client) Restore(playlistID, trackID, scope string) {
	body, err := json.Marshal(restoreRequest{PlaylistID: playlistID, TrackID: trackID, Scope: scope})
	if err != nil {
		log.Printf("[WARN] failed to marshal restore request: %v", err)
		return
	}
	c.workers.Go(func(context.Context) {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.call(ctx, http.MethodPost, c.baseURL+"/jobs/restore", body, nil); err != nil {
			log.Printf("[DEBUG] restore %s for %s not delivered: %v", scope, playlistID, err)
		}
	})
}

// Wait blocks until all queued best-effort notifications are done, used on shutdown
func (c *Client) Wait() {
	c.workers.Wait()
}

func (c *Client) call(ctx context.Context, method, url string, body []byte, res any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if res == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
