package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covergen/coverd/app/store"
)

func TestClient_Create(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/jobs", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "p1", req.PlaylistID)
		assert.Equal(t, []string{"t1", "t2"}, req.TrackIDs)
		assert.Equal(t, "coverA", req.CurrentCovers["t1"])

		job := store.Job{PlaylistID: "p1", Status: store.JobRunning, Total: 2,
			Rows: map[string]*store.Row{"t1": {Status: store.RowPending}, "t2": {Status: store.RowPending}}}
		require.NoError(t, json.NewEncoder(w).Encode(job))
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second, nil)
	job, err := c.Create(context.Background(), StartRequest{PlaylistID: "p1", TrackIDs: []string{"t1", "t2"},
		CurrentCovers: map[string]string{"t1": "coverA"}})
	require.NoError(t, err)
	assert.Equal(t, "p1", job.PlaylistID)
	assert.Equal(t, 2, job.Total)
	assert.Equal(t, "t1", job.Rows["t1"].TrackID, "normalized after decode")
}

func TestClient_CreateFailed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second, nil)
	_, err := c.Create(context.Background(), StartRequest{PlaylistID: "p1", TrackIDs: []string{"t1"}})
	require.Error(t, err, "create failures are surfaced, not swallowed")
	assert.Contains(t, err.Error(), "500")
}

func TestClient_Fetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs/p1", r.URL.Path)
		job := store.Job{PlaylistID: "p1", Status: store.JobCompleted, Total: 1, Completed: 1,
			Rows: map[string]*store.Row{"t1": {Status: store.RowUpdated, GeneratedCover: "g1"}}}
		require.NoError(t, json.NewEncoder(w).Encode(job))
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second, nil)
	job, err := c.Fetch(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, job.Status)
	assert.Equal(t, 1, job.Completed)
}

func TestClient_FetchAllRetries(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs", r.URL.Path)
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		jobs := []store.Job{{PlaylistID: "p1", Status: store.JobRunning, Total: 1}}
		require.NoError(t, json.NewEncoder(w).Encode(jobs))
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second, repeater.NewDefault(5, time.Millisecond))
	jobs, err := c.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "p1", jobs[0].PlaylistID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_ControlBestEffort(t *testing.T) {
	received := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs/p1/control", r.URL.Path)
		var req struct {
			Action string `json:"action"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		received <- req.Action
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second, nil)
	c.Control("p1", ActionPause)
	c.Wait()

	select {
	case action := <-received:
		assert.Equal(t, ActionPause, action)
	default:
		t.Fatal("control request not delivered")
	}
}

func TestClient_ControlFailureSwallowed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second, nil)
	c.Control("p1", ActionCancel) // no panic, no error surfaced
	c.Wait()
}

func TestClient_Restore(t *testing.T) {
	received := make(chan map[string]string, 2)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs/restore", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		received <- req
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second, nil)
	c.Restore("p1", "t1", ScopeTrack)
	c.Restore("p1", "", ScopePlaylist)
	c.Wait()
	close(received)

	var got []map[string]string
	for req := range received {
		got = append(got, req)
	}
	require.Len(t, got, 2)
	for _, req := range got {
		assert.Equal(t, "p1", req["playlistId"])
		switch req["scope"] {
		case ScopeTrack:
			assert.Equal(t, "t1", req["trackId"])
		case ScopePlaylist:
			assert.Empty(t, req["trackId"])
		default:
			t.Fatalf("unexpected scope %q", req["scope"])
		}
	}
}
