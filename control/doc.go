// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime counters, leveled logging and debug introspection
// for a dpoll instance.
//
// Provides concurrent-safe state handling primitives including:
//   - Snapshot config reads, ini file loading and merged updates
//   - Reload observers, both per-store and process-wide
//   - Counters for the wait loop and the pending-operation table
//   - Probe registration for table dumps
package control
