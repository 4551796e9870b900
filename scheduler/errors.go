package scheduler

import "errors"

// ErrWorker is the sentinel for worker failures (spec.md §7 "Worker
// exception": propagated out of the iteration, fatal to the rank group).
// The loop returns a Worker call's error as-is; it is not wrapped in ErrWorker.
var ErrWorker = errors.New("scheduler: worker error")

// ErrInvariantDrift is returned by checkMemory when pool accounting no
// longer balances (spec.md §7 "Invariant drift"). Whether this is fatal
// depends on config.RuntimeFlags.CrashOnWarning.
var ErrInvariantDrift = errors.New("scheduler: memory invariant violated")

// ErrCacheBusy is returned when FlushCacheReq is refused because the waiting
// queue or the running batch is non-empty (spec.md §9 edge case).
var ErrCacheBusy = errors.New("scheduler: cannot flush cache while a batch is running")
