// Package scheduler turns task schedules into pool submissions.
//
// The scheduler owns the set of armed triggers (one per enabled task) and a
// single dispatch loop. Execution happens in the worker pool; the scheduler is
// responsible only for:
//   - computing and re-computing fire instants
//   - skipping occurrences older than the misfire grace
//   - coalescing fires while a task's previous scheduled run is outstanding
//   - keeping scheduler-submitted work under a global ceiling
package scheduler
