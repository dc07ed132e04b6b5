package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestNew_RequiresScheduler(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Scheduler is required")
}

func TestServer_Auth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	srv, err := New(Config{Scheduler: newFakeScheduler(), Version: "test", PasswordHash: string(hash)})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	t.Run("no credentials rejected", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/v1/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")
	})

	t.Run("wrong password rejected", func(t *testing.T) {
		req, err := http.NewRequest("GET", ts.URL+"/api/v1/status", http.NoBody)
		require.NoError(t, err)
		req.SetBasicAuth("coverd", "wrong")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong user rejected", func(t *testing.T) {
		req, err := http.NewRequest("GET", ts.URL+"/api/v1/status", http.NoBody)
		require.NoError(t, err)
		req.SetBasicAuth("admin", "secret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid credentials accepted", func(t *testing.T) {
		req, err := http.NewRequest("GET", ts.URL+"/api/v1/status", http.NoBody)
		require.NoError(t, err)
		req.SetBasicAuth("coverd", "secret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("ping bypasses auth", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/ping")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServer_AppInfoHeaders(t *testing.T) {
	ts := testServer(t, newFakeScheduler(), nil)
	resp, _ := doJSON(t, "GET", ts.URL+"/api/v1/status", "")
	assert.Equal(t, "coverd", resp.Header.Get("App-Name"))
	assert.Equal(t, "test", resp.Header.Get("App-Version"))
}
