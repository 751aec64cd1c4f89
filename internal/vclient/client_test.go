package vclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllocate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/allocate", r.URL.Path)
		require.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))

		var req AllocateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, 2, req.CPU)
		require.Equal(t, "2g", req.Memory)

		_ = json.NewEncoder(w).Encode(Allocation{
			Status:      "success",
			ContainerID: "sbx-abc",
			SSHPort:     32768,
			Username:    "polaris",
			Password:    "secret",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-123", time.Second)
	alloc, err := c.Allocate(context.Background(), AllocateRequest{CPU: 2, Memory: "2g"})
	require.NoError(t, err)
	require.Equal(t, "sbx-abc", alloc.ContainerID)
	require.Equal(t, 32768, alloc.SSHPort)
	require.Equal(t, "polaris", alloc.Username)
}

func TestChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/challenge/sbx-abc", r.URL.Path)

		var payload ChallengePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "compute", payload.Type)
		require.Equal(t, "ch-1", payload.Data.ChallengeID)

		_ = json.NewEncoder(w).Encode(ChallengeResult{
			Status:        "success",
			ChallengeID:   "ch-1",
			CommandResult: CommandResult{Status: "completed"},
			Metrics:       Metrics{CPUUsage: 142.5},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	res, err := c.Challenge(context.Background(), "sbx-abc", ChallengePayload{
		Type: "compute",
		Data: ChallengeData{ChallengeID: "ch-1", Command: "stress-ng", DurationSeconds: 30},
	})
	require.NoError(t, err)
	require.Equal(t, "completed", res.CommandResult.Status)
	require.Equal(t, 142.5, res.Metrics.CPUUsage)
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"failure","error":"insufficient_capacity","message":"insufficient capacity"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	_, err := c.Allocate(context.Background(), AllocateRequest{CPU: 64})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	require.Equal(t, "insufficient_capacity", apiErr.Kind)
	require.Equal(t, "insufficient capacity", apiErr.Message)
}

func TestTerminate(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	require.NoError(t, c.Terminate(context.Background(), "sbx-abc"))
	require.Equal(t, "DELETE /terminate/sbx-abc", gotPath)
}

func TestNoAuthHeaderWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	require.NoError(t, c.Health(context.Background()))
}
