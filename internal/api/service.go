package api

import (
	"context"

	"github.com/stacklok/kbsync/internal/targets"
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go Service

// Service is what the status API reads from the running engine
type Service interface {
	// CheckReadiness returns an error while no target collection is reachable
	CheckReadiness(ctx context.Context) error

	// Status returns the last run status and the component counters
	Status(ctx context.Context) *StatusResponse

	// Targets returns the live view of every configured target
	Targets(ctx context.Context) []targets.Target

	// TriggerSync asks the coordinator for a run. It returns false when
	// the engine does not accept triggers, e.g. in one-shot mode.
	TriggerSync(reason string) bool
}
