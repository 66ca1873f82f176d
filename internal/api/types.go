package api

import (
	"github.com/stacklok/kbsync/internal/dify"
	"github.com/stacklok/kbsync/internal/retry"
	"github.com/stacklok/kbsync/internal/status"
	"github.com/stacklok/kbsync/internal/sync"
	"github.com/stacklok/kbsync/internal/sync/state"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status" example:"healthy"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status string `json:"status" example:"ready"`
}

// StatusResponse is the body of GET /v1/status
type StatusResponse struct {
	Sync     status.SyncStatus `json:"sync"`
	Strategy string            `json:"strategy"`
	Engine   sync.Stats        `json:"engine"`
	State    state.Stats       `json:"state"`
	Retry    retry.Stats       `json:"retry"`
	Backend  *dify.Stats       `json:"backend,omitempty"`
}

// TriggerResponse is the body of POST /v1/sync
type TriggerResponse struct {
	Status string `json:"status" example:"accepted"`
}
