// Package coordinator schedules sync runs in the background.
//
// The coordinator sits on top of sync.Manager and handles:
//
//   - an initial run on startup
//   - periodic runs on a jittered interval
//   - on-demand runs requested through Trigger (e.g. by the feed watcher),
//     coalesced so that a burst of requests yields a single extra run
//   - status persistence around every run
//   - graceful shutdown
//
// # Usage Example
//
//	coord := coordinator.New(manager, feed, status.NewFileStatusPersistence(path),
//	    coordinator.Config{Interval: 30 * time.Minute})
//
//	go coord.Start(ctx)
//	watcher := source.NewWatcher(feedPath, func() { coord.Trigger("feed changed") })
//
//	// ... run server ...
//
//	coord.Stop()
//
// Runs never overlap: the loop performs one run at a time, and a trigger
// arriving during a run is picked up right after it.
//
// # Status Persistence
//
// The phase moves to Syncing before a run and to Complete, Partial or
// Failed after it; every transition is saved. A Syncing phase found on
// startup means the previous process died mid-run and is reported as Failed.
// Persistence errors are logged and never stop the coordinator.
package coordinator
