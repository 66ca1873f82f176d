package app

import (
	"github.com/stacklok/kbsync/internal/dify"
	"github.com/stacklok/kbsync/internal/retry"
	"github.com/stacklok/kbsync/internal/source"
	pkgsync "github.com/stacklok/kbsync/internal/sync"
	"github.com/stacklok/kbsync/internal/sync/coordinator"
	"github.com/stacklok/kbsync/internal/sync/state"
	"github.com/stacklok/kbsync/internal/targets"
)

// Components groups the wired engine parts
type Components struct {
	Backend      pkgsync.Backend
	Dify         *dify.Client // nil when a custom backend was injected
	Orchestrator *retry.Orchestrator
	Registry     *targets.Registry
	Store        *state.FileStore
	Janitor      *state.Janitor
	Feed         *source.FileFeed
	Manager      *pkgsync.Manager
	Coordinator  coordinator.Coordinator
}
