package ops

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/chatmesh/pkg/metrics"
	"github.com/chatmesh/chatmesh/pkg/state"
)

func testSource() Source {
	return Source{
		Replica:     "B",
		IsPrimary:   func() bool { return true },
		Leader:      func() string { return "B" },
		Living:      func() []string { return []string{"C"} },
		Progress:    func() int { return 7 },
		Subscribers: func() int { return 2 },
		Stats:       func() state.Stats { return state.Stats{Users: 3, QueuedChats: 1} },
	}
}

func TestRouterHealthz(t *testing.T) {
	srv := httptest.NewServer(NewRouter(testSource()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))
}

func TestRouterStatusSnapshot(t *testing.T) {
	srv := httptest.NewServer(NewRouter(testSource()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, Status{
		Replica:     "B",
		Role:        "primary",
		Leader:      "B",
		Progress:    7,
		Living:      []string{"C"},
		Subscribers: 2,
		Users:       3,
		QueuedChats: 1,
	}, status)
}

func TestRouterMetricsDisabled(t *testing.T) {
	metrics.ResetForTesting()
	srv := httptest.NewServer(NewRouter(testSource()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouterMetricsEnabled(t *testing.T) {
	metrics.ResetForTesting()
	metrics.InitRegistry()
	defer metrics.ResetForTesting()

	srv := httptest.NewServer(NewRouter(testSource()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
