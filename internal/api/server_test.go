package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/kbsync/internal/api"
	"github.com/stacklok/kbsync/internal/api/mocks"
	"github.com/stacklok/kbsync/internal/retry"
	"github.com/stacklok/kbsync/internal/status"
	"github.com/stacklok/kbsync/internal/sync"
	"github.com/stacklok/kbsync/internal/targets"
)

func serve(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, path, nil)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	// No expectations needed - health check doesn't call service
	server := api.NewServer(mocks.NewMockService(ctrl))

	rr := serve(t, server, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"healthy"}`, rr.Body.String())
}

func TestReadinessEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		readinessErr   error
		expectedStatus int
		expectedKey    string
	}{
		{
			name:           "targets reachable",
			expectedStatus: http.StatusOK,
			expectedKey:    "status",
		},
		{
			name:           "no target reachable",
			readinessErr:   &targets.NoTargetsError{Reason: targets.ReasonAllUnreachable},
			expectedStatus: http.StatusServiceUnavailable,
			expectedKey:    "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)

			svc := mocks.NewMockService(ctrl)
			svc.EXPECT().CheckReadiness(gomock.Any()).Return(tt.readinessErr)

			rr := serve(t, api.NewServer(svc), http.MethodGet, "/readiness")

			assert.Equal(t, tt.expectedStatus, rr.Code)
			var response map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
			assert.Contains(t, response, tt.expectedKey)
		})
	}
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	rr := serve(t, api.NewServer(mocks.NewMockService(ctrl)), http.MethodGet, "/version")

	assert.Equal(t, http.StatusOK, rr.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	for _, key := range []string{"version", "commit", "build_date", "go_version", "platform"} {
		assert.Contains(t, response, key)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := mocks.NewMockService(ctrl)
	svc.EXPECT().Status(gomock.Any()).Return(&api.StatusResponse{
		Sync: status.SyncStatus{
			Phase:        status.SyncPhasePartial,
			Message:      "1 of 4 documents failed",
			LastSyncTime: &last,
			LastRunID:    "run-1",
		},
		Strategy: "all",
		Engine:   sync.Stats{Runs: 2, Documents: 8, Failed: 1},
		Retry: retry.Stats{
			RetriesPerformed: 3,
			Endpoints: map[string]retry.EndpointStats{
				"dify:kb1": {State: "open", FailureCount: 5},
			},
		},
	})

	rr := serve(t, api.NewServer(svc), http.MethodGet, "/v1/status")
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))

	syncStatus := body["sync"].(map[string]any)
	assert.Equal(t, "Partial", syncStatus["phase"])
	assert.Equal(t, "run-1", syncStatus["lastRunId"])
	assert.Equal(t, "all", body["strategy"])
	assert.NotContains(t, body, "backend")

	endpoints := body["retry"].(map[string]any)["endpoints"].(map[string]any)
	assert.Equal(t, "open", endpoints["dify:kb1"].(map[string]any)["state"])
}

func TestTargetsEndpoints(t *testing.T) {
	t.Parallel()

	list := []targets.Target{
		{ID: "kb1", DisplayName: "Docs", Available: true},
		{ID: "kb2", Available: false, ConsecutiveErrors: 3, LastError: "HTTP 503"},
	}

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		check          func(t *testing.T, body string)
	}{
		{
			name:           "list",
			path:           "/v1/targets",
			expectedStatus: http.StatusOK,
			check: func(t *testing.T, body string) {
				t.Helper()
				var got []targets.Target
				require.NoError(t, json.Unmarshal([]byte(body), &got))
				assert.Len(t, got, 2)
			},
		},
		{
			name:           "single target",
			path:           "/v1/targets/kb2",
			expectedStatus: http.StatusOK,
			check: func(t *testing.T, body string) {
				t.Helper()
				var got targets.Target
				require.NoError(t, json.Unmarshal([]byte(body), &got))
				assert.Equal(t, "kb2", got.ID)
				assert.Equal(t, 3, got.ConsecutiveErrors)
			},
		},
		{
			name:           "unknown target",
			path:           "/v1/targets/kb9",
			expectedStatus: http.StatusNotFound,
			check: func(t *testing.T, body string) {
				t.Helper()
				assert.Contains(t, body, "target not found: kb9")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)

			svc := mocks.NewMockService(ctrl)
			svc.EXPECT().Targets(gomock.Any()).Return(list)

			rr := serve(t, api.NewServer(svc), http.MethodGet, tt.path)
			assert.Equal(t, tt.expectedStatus, rr.Code)
			tt.check(t, rr.Body.String())
		})
	}
}

func TestTriggerSyncEndpoint(t *testing.T) {
	t.Parallel()

	for _, accepted := range []bool{true, false} {
		name := "accepted"
		want := http.StatusAccepted
		if !accepted {
			name, want = "rejected", http.StatusConflict
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)

			svc := mocks.NewMockService(ctrl)
			svc.EXPECT().TriggerSync("api").Return(accepted)

			rr := serve(t, api.NewServer(svc), http.MethodPost, "/v1/sync")
			assert.Equal(t, want, rr.Code)
		})
	}

	t.Run("GET is not allowed", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)

		rr := serve(t, api.NewServer(mocks.NewMockService(ctrl)), http.MethodGet, "/v1/sync")
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("kbsync_documents_total 1\n"))
	})

	withMetrics := api.NewServer(mocks.NewMockService(ctrl), api.WithMetricsHandler(metrics))
	rr := serve(t, withMetrics, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Body.String(), "kbsync_documents_total"))

	without := api.NewServer(mocks.NewMockService(ctrl))
	assert.Equal(t, http.StatusNotFound, serve(t, without, http.MethodGet, "/metrics").Code)
}

func TestMiddlewaresApplied(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	var seen []string
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	server := api.NewServer(mocks.NewMockService(ctrl), api.WithMiddlewares(mw, api.LoggingMiddleware))
	rr := serve(t, server, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"/health"}, seen)
}

func TestReadinessErrorMessage(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	svc := mocks.NewMockService(ctrl)
	svc.EXPECT().CheckReadiness(gomock.Any()).Return(errors.New("no target collection reachable"))

	rr := serve(t, api.NewServer(svc), http.MethodGet, "/readiness")
	assert.JSONEq(t, `{"error":"no target collection reachable"}`, rr.Body.String())
}
