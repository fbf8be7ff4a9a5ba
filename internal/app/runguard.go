/**
 * @description
 * This file implements the run guard that keeps two settlement runs from
 * overlapping when the recurring trigger fires while a previous run is still in
 * flight. The guard is deliberately coarse and process-local: the trigger is a
 * single in-process cron, not a multi-instance scheduler.
 */

package app

import "sync/atomic"

type runGuard struct {
	running atomic.Bool
}

// begin claims the guard. It returns false when a run is already executing.
func (g *runGuard) begin() bool {
	return g.running.CompareAndSwap(false, true)
}

// end releases the guard. Called on both success and failure completion paths.
func (g *runGuard) end() {
	g.running.Store(false)
}

// active reports whether a run is currently executing.
func (g *runGuard) active() bool {
	return g.running.Load()
}
