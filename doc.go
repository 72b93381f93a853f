// Package offlinekit provides an offline-first fallback and synchronization
// engine for applications that must keep working through connectivity loss.
//
// Two components make up the engine. The FallbackChain degrades external
// calls gracefully: each registered tool cascades through a live primary
// call, a time-bounded response cache, a local offline-capable alternative,
// and a bounded replay queue. The SyncOrchestrator reconciles locally
// mutated state with a remote counterpart once connectivity returns, using
// delta-sync to skip unchanged items and pluggable conflict resolution when
// local and remote values diverge.
//
// # Basic Usage
//
// Register a tool and call it through the chain:
//
//	chain := offlinekit.NewFallbackChain()
//	err := chain.Register(
//	    offlinekit.DefaultFallbackStrategy("weather"),
//	    fetchWeather,
//	    localWeatherStub,
//	)
//	chain.SetState(offlinekit.StateOffline)
//	res, err := chain.Call(ctx, "weather", offlinekit.Args("London"))
//
// Queue state mutations and sync them:
//
//	orch, _ := offlinekit.NewSyncOrchestrator(offlinekit.DefaultSyncConfig())
//	orch.Enqueue(offlinekit.NewSyncItem("session/abc/state", state))
//	results := orch.SyncAll(ctx)
//
// # Features
//
// Fallback Chain:
//   - Four-tier cascade: primary, cached, local, queued
//   - Per-tool TTL response cache keyed by argument fingerprint
//   - Bounded FIFO replay queue with oldest-first eviction
//   - Optional circuit breaker on the primary tier
//   - Per-outcome call statistics and connectivity state listeners
//
// Sync Orchestrator:
//   - Priority-ordered pending queue (critical, high, normal, low)
//   - Delta-sync via content fingerprints
//   - Last-write-wins, local-wins, remote-wins, and manual resolution
//   - Optional remote push with bounded retry and a terminal failed state
//   - Append-only history with aggregate statistics
//
// Persistence (optional):
//   - SQLite-backed sync journal surviving process restarts
//   - Checksummed, compressed, optionally encrypted queue snapshots
//
// The engine is a library, not a service: it performs no network probing
// and owns no transport. Connectivity transitions and remote values are
// supplied by the caller.
package offlinekit
